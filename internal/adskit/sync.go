package adskit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccessTokenProvider yields a valid plaintext access token for a user,
// refreshing behind the scenes when necessary.
type AccessTokenProvider interface {
	ActiveAccessToken(ctx context.Context, userID string) (string, error)
}

// SyncOptions tunes one reconciliation pass.
type SyncOptions struct {
	// DeleteStale removes unmanaged accounts absent from the fresh fetch
	// instead of soft-marking them.
	DeleteStale bool
}

// TypeSyncResult is the per-collection outcome of a sync pass.
type TypeSyncResult struct {
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Failed       int    `json:"failed"`
	StaleMarked  int64  `json:"stale_marked"`
	StaleDeleted int64  `json:"stale_deleted"`
	FetchError   string `json:"fetch_error,omitempty"`
}

// SyncSummary aggregates a full pass. Per-type fetch failures are reported
// here, never raised as a fatal error for the pass.
type SyncSummary struct {
	RunID               string                          `json:"run_id"`
	UserID              string                          `json:"user_id"`
	StartedAt           time.Time                       `json:"started_at"`
	FinishedAt          time.Time                       `json:"finished_at"`
	Results             map[AccountType]*TypeSyncResult `json:"results"`
	RelationshipsLinked int                             `json:"relationships_linked"`
}

// SyncEngine reconciles the three provider account collections against the
// account store and resolves cross-type relationships.
type SyncEngine struct {
	accounts AccountStore
	api      AdsAPIClient
	tokens   AccessTokenProvider
	clock    Clock
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewSyncEngine constructs a sync engine with explicit dependencies.
func NewSyncEngine(accounts AccountStore, api AdsAPIClient, tokens AccessTokenProvider, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *SyncEngine {
	return &SyncEngine{
		accounts: accounts,
		api:      api,
		tokens:   tokens,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

var syncedAccountTypes = []AccountType{AccountTypeSponsoredAds, AccountTypeDSP, AccountTypeAMC}

type fetchOutcome struct {
	items []ProviderAccount
	err   error
}

// RunSync executes one reconciliation pass for the user. The three collection
// fetches run concurrently; a failure in one is recorded in the summary and
// never aborts the others. An error is returned only when no valid access
// token could be obtained.
func (engine *SyncEngine) RunSync(ctx context.Context, userID string, options SyncOptions) (*SyncSummary, error) {
	accessToken, tokenErr := engine.tokens.ActiveAccessToken(ctx, userID)
	if tokenErr != nil {
		return nil, tokenErr
	}

	summary := &SyncSummary{
		RunID:     uuid.NewString(),
		UserID:    userID,
		StartedAt: engine.clock.Now(),
		Results:   make(map[AccountType]*TypeSyncResult, len(syncedAccountTypes)),
	}
	engine.metrics.Increment(MetricSyncPass)

	outcomes := map[AccountType]*fetchOutcome{
		AccountTypeSponsoredAds: {},
		AccountTypeDSP:          {},
		AccountTypeAMC:          {},
	}
	fetchers := map[AccountType]func(context.Context, string) ([]ProviderAccount, error){
		AccountTypeSponsoredAds: engine.api.FetchSponsoredAdsProfiles,
		AccountTypeDSP:          engine.api.FetchDSPAdvertisers,
		AccountTypeAMC:          engine.api.FetchAMCInstances,
	}

	var waitGroup sync.WaitGroup
	for _, accountType := range syncedAccountTypes {
		waitGroup.Add(1)
		go func(accountType AccountType) {
			defer waitGroup.Done()
			outcome := outcomes[accountType]
			outcome.items, outcome.err = fetchers[accountType](ctx, accessToken)
		}(accountType)
	}
	waitGroup.Wait()

	for _, accountType := range syncedAccountTypes {
		summary.Results[accountType] = engine.reconcileType(ctx, userID, accountType, outcomes[accountType], options)
	}

	summary.RelationshipsLinked = engine.resolveRelationships(ctx, userID)
	summary.FinishedAt = engine.clock.Now()

	engine.logger.Info("account sync pass finished",
		zap.String("run_id", summary.RunID),
		zap.String("user_id", userID),
		zap.Int("relationships_linked", summary.RelationshipsLinked))
	return summary, nil
}

// reconcileType upserts one fetched collection. A fetch failure leaves the
// stored accounts of that type untouched, stale marking included.
func (engine *SyncEngine) reconcileType(ctx context.Context, userID string, accountType AccountType, outcome *fetchOutcome, options SyncOptions) *TypeSyncResult {
	result := &TypeSyncResult{}
	if outcome.err != nil {
		engine.metrics.Increment(MetricSyncFetchFailure)
		engine.logger.Warn("collection fetch failed",
			zap.String("user_id", userID),
			zap.String("account_type", string(accountType)),
			zap.Error(outcome.err))
		result.FetchError = outcome.err.Error()
		return result
	}

	seenExternalIDs := make([]string, 0, len(outcome.items))
	observedAt := engine.clock.Now()
	for _, item := range outcome.items {
		record := &AccountRecord{
			UserID:         userID,
			AccountType:    accountType,
			ExternalID:     item.ExternalID,
			DisplayName:    item.DisplayName,
			SharedEntityID: item.SharedEntityID,
			LastSyncedAt:   observedAt,
		}
		created, upsertErr := engine.accounts.Upsert(ctx, record)
		if upsertErr != nil {
			result.Failed++
			engine.logger.Error("account upsert failed",
				zap.String("user_id", userID),
				zap.String("account_type", string(accountType)),
				zap.String("external_id", item.ExternalID),
				zap.Error(upsertErr))
			continue
		}
		engine.metrics.Increment(MetricSyncAccountUpsert)
		seenExternalIDs = append(seenExternalIDs, item.ExternalID)
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	if options.DeleteStale {
		deleted, deleteErr := engine.accounts.DeleteStale(ctx, userID, accountType, seenExternalIDs)
		if deleteErr != nil {
			engine.logger.Error("deleting stale accounts failed",
				zap.String("user_id", userID),
				zap.String("account_type", string(accountType)),
				zap.Error(deleteErr))
		}
		result.StaleDeleted = deleted
		return result
	}
	marked, markErr := engine.accounts.MarkStale(ctx, userID, accountType, seenExternalIDs)
	if markErr != nil {
		engine.logger.Error("marking stale accounts failed",
			zap.String("user_id", userID),
			zap.String("account_type", string(accountType)),
			zap.Error(markErr))
	}
	result.StaleMarked = marked
	return result
}

// resolveRelationships joins stored accounts across types on their shared
// advertiser entity id. The join reads the store rather than the fresh fetch
// so it is independent of which collections succeeded, and its output is
// sorted so repeated passes produce identical links.
func (engine *SyncEngine) resolveRelationships(ctx context.Context, userID string) int {
	groups := make(map[string][]AccountRecord)
	for _, accountType := range syncedAccountTypes {
		records, listErr := engine.accounts.List(ctx, userID, accountType)
		if listErr != nil {
			engine.logger.Error("listing accounts for relationship join failed",
				zap.String("user_id", userID),
				zap.String("account_type", string(accountType)),
				zap.Error(listErr))
			return 0
		}
		for _, record := range records {
			if record.SharedEntityID == "" {
				continue
			}
			groups[record.SharedEntityID] = append(groups[record.SharedEntityID], record)
		}
	}

	linked := 0
	for _, members := range groups {
		for _, member := range members {
			references := make([]AccountRef, 0, len(members)-1)
			for _, counterpart := range members {
				if counterpart.AccountType == member.AccountType {
					continue
				}
				references = append(references, AccountRef{
					AccountType: counterpart.AccountType,
					ExternalID:  counterpart.ExternalID,
				})
			}
			if len(references) == 0 {
				continue
			}
			sort.Slice(references, func(left, right int) bool {
				if references[left].AccountType != references[right].AccountType {
					return references[left].AccountType < references[right].AccountType
				}
				return references[left].ExternalID < references[right].ExternalID
			})
			if accountRefsEqual(member.Relationships, references) {
				linked += len(references)
				continue
			}
			if updateErr := engine.accounts.UpdateRelationships(ctx, userID, member.AccountType, member.ExternalID, references); updateErr != nil {
				engine.logger.Error("updating relationships failed",
					zap.String("user_id", userID),
					zap.String("account_type", string(member.AccountType)),
					zap.String("external_id", member.ExternalID),
					zap.Error(updateErr))
				continue
			}
			linked += len(references)
		}
	}
	return linked
}

func accountRefsEqual(left []AccountRef, right []AccountRef) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
