package adskit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenStatusReport is the caller-facing view of a user's credential state.
type TokenStatusReport struct {
	Authenticated bool       `json:"authenticated"`
	Valid         bool       `json:"valid"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RefreshCount  int64      `json:"refresh_count"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
}

// RefreshScheduler proactively renews token records nearing expiry. Refreshes
// are serialized per user through a lazily created guard table; users never
// block each other.
type RefreshScheduler struct {
	tokens      TokenStore
	oauth       OAuthClient
	tokenCipher *TokenCipher
	clock       Clock
	logger      *zap.Logger
	metrics     MetricsRecorder

	tick   time.Duration
	buffer time.Duration
	policy BackoffPolicy
	sleep  sleepFunc

	guardMutex sync.Mutex
	inFlight   map[string]struct{}
}

// NewRefreshScheduler constructs a scheduler with explicit dependencies.
func NewRefreshScheduler(configuration ServerConfig, tokens TokenStore, oauth OAuthClient, tokenCipher *TokenCipher, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *RefreshScheduler {
	return &RefreshScheduler{
		tokens:      tokens,
		oauth:       oauth,
		tokenCipher: tokenCipher,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		tick:        configuration.SchedulerTick,
		buffer:      configuration.RefreshBuffer,
		policy:      DefaultBackoffPolicy(configuration.MaxRefreshAttempts, configuration.BackoffBase),
		inFlight:    make(map[string]struct{}),
	}
}

// Run drives ticks until the context is canceled. In-flight refreshes finish
// before Run returns.
func (scheduler *RefreshScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(scheduler.tick)
	defer ticker.Stop()
	scheduler.logger.Info("refresh scheduler started",
		zap.Duration("tick", scheduler.tick),
		zap.Duration("buffer", scheduler.buffer))
	for {
		select {
		case <-ctx.Done():
			scheduler.logger.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			scheduler.RunTick(ctx)
		}
	}
}

// RunTick scans active records and dispatches a refresh for each one whose
// remaining lifetime is within the buffer window. It returns the number of
// records found due and waits for the dispatched refreshes to finish.
func (scheduler *RefreshScheduler) RunTick(ctx context.Context) int {
	records, listErr := scheduler.tokens.ListActive(ctx)
	if listErr != nil {
		scheduler.logger.Error("tick: listing active tokens failed", zap.Error(listErr))
		return 0
	}

	now := scheduler.clock.Now()
	due := 0
	var waitGroup sync.WaitGroup
	for index := range records {
		record := records[index]
		if record.ExpiresAt.Sub(now) > scheduler.buffer {
			continue
		}
		due++
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if refreshErr := scheduler.refreshRecord(ctx, &record); refreshErr != nil && !errors.Is(refreshErr, ErrRefreshInFlight) {
				scheduler.logger.Warn("scheduled refresh failed",
					zap.String("user_id", record.UserID),
					zap.Error(refreshErr))
			}
		}()
	}
	waitGroup.Wait()
	return due
}

// TriggerManualRefresh forces a refresh for the user regardless of remaining
// lifetime. ErrRefreshInFlight is returned when a refresh is already running.
func (scheduler *RefreshScheduler) TriggerManualRefresh(ctx context.Context, userID string) error {
	record, getErr := scheduler.tokens.GetActive(ctx, userID)
	if getErr != nil {
		return getErr
	}
	return scheduler.refreshRecord(ctx, record)
}

// TokenStatus reports the caller-facing credential state for the user.
func (scheduler *RefreshScheduler) TokenStatus(ctx context.Context, userID string) (TokenStatusReport, error) {
	record, getErr := scheduler.tokens.GetActive(ctx, userID)
	if getErr != nil {
		if errors.Is(getErr, ErrTokenNotFound) {
			return TokenStatusReport{}, nil
		}
		return TokenStatusReport{}, getErr
	}
	expiresAt := record.ExpiresAt
	return TokenStatusReport{
		Authenticated: true,
		Valid:         record.ExpiresAt.After(scheduler.clock.Now()),
		ExpiresAt:     &expiresAt,
		RefreshCount:  record.RefreshCount,
		LastRefreshAt: record.LastRefreshAt,
	}, nil
}

// ActiveAccessToken returns the user's decrypted access token, refreshing
// first when the record is inside the buffer window. The plaintext must not
// be retained beyond the calling operation.
func (scheduler *RefreshScheduler) ActiveAccessToken(ctx context.Context, userID string) (string, error) {
	record, getErr := scheduler.tokens.GetActive(ctx, userID)
	if getErr != nil {
		return "", getErr
	}
	now := scheduler.clock.Now()
	if record.ExpiresAt.Sub(now) <= scheduler.buffer {
		refreshErr := scheduler.refreshRecord(ctx, record)
		switch {
		case refreshErr == nil:
			refreshed, rereadErr := scheduler.tokens.GetActive(ctx, userID)
			if rereadErr != nil {
				return "", rereadErr
			}
			record = refreshed
		case errors.Is(refreshErr, ErrRefreshInFlight) && record.ExpiresAt.After(now):
			// Another refresh is running and the current token still works.
		default:
			return "", refreshErr
		}
	}
	return scheduler.tokenCipher.Decrypt(record.AccessTokenCiphertext)
}

// refreshRecord performs one guarded refresh of the record: decrypt the
// stored refresh token, call the provider with retry/backoff, re-encrypt the
// returned pair, and persist the updated record. No partial writes occur.
func (scheduler *RefreshScheduler) refreshRecord(ctx context.Context, record *TokenRecord) error {
	if !scheduler.beginRefresh(record.UserID) {
		scheduler.metrics.Increment(MetricRefreshSkipped)
		return fmt.Errorf("scheduler.refresh: %w", ErrRefreshInFlight)
	}
	defer scheduler.endRefresh(record.UserID)

	refreshPlaintext, decryptErr := scheduler.tokenCipher.Decrypt(record.RefreshTokenCiphertext)
	if decryptErr != nil {
		scheduler.logger.Error("stored refresh token failed decryption",
			zap.String("user_id", record.UserID),
			zap.Error(decryptErr))
		return decryptErr
	}

	var pair *TokenPair
	refreshErr := retryWithBackoff(ctx, scheduler.policy, scheduler.sleep, func(attemptCtx context.Context) error {
		attemptPair, attemptErr := scheduler.oauth.Refresh(attemptCtx, refreshPlaintext)
		if attemptErr != nil {
			return attemptErr
		}
		pair = attemptPair
		return nil
	})
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrInvalidGrant) {
			scheduler.metrics.Increment(MetricRefreshReauth)
			scheduler.logger.Warn("refresh grant permanently invalid, marking needs_reauth",
				zap.String("user_id", record.UserID),
				zap.Error(refreshErr))
			if markErr := scheduler.tokens.MarkNeedsReauth(ctx, record.UserID); markErr != nil {
				scheduler.logger.Error("marking needs_reauth failed",
					zap.String("user_id", record.UserID),
					zap.Error(markErr))
			}
			return refreshErr
		}
		// The record stays active; the next tick retries from scratch.
		scheduler.metrics.Increment(MetricRefreshTransient)
		return refreshErr
	}

	accessCiphertext, encryptAccessErr := scheduler.tokenCipher.Encrypt(pair.AccessToken)
	if encryptAccessErr != nil {
		return encryptAccessErr
	}
	refreshCiphertext := record.RefreshTokenCiphertext
	if pair.RefreshToken != "" && pair.RefreshToken != refreshPlaintext {
		rotated, encryptRefreshErr := scheduler.tokenCipher.Encrypt(pair.RefreshToken)
		if encryptRefreshErr != nil {
			return encryptRefreshErr
		}
		refreshCiphertext = rotated
	}

	now := scheduler.clock.Now()
	updated := *record
	updated.AccessTokenCiphertext = accessCiphertext
	updated.RefreshTokenCiphertext = refreshCiphertext
	updated.ExpiresAt = pair.ExpiresAt
	updated.RefreshCount = record.RefreshCount + 1
	updated.LastRefreshAt = &now
	updated.Status = TokenStatusActive
	if len(pair.Scope) > 0 {
		updated.Scope = pair.Scope
	}
	if putErr := scheduler.tokens.Put(ctx, &updated); putErr != nil {
		return putErr
	}

	scheduler.metrics.Increment(MetricRefreshSuccess)
	scheduler.logger.Info("token refreshed",
		zap.String("user_id", record.UserID),
		zap.Time("expires_at", updated.ExpiresAt),
		zap.Int64("refresh_count", updated.RefreshCount))
	return nil
}

// beginRefresh claims the per-user guard. It returns false when a refresh for
// the user is already in flight.
func (scheduler *RefreshScheduler) beginRefresh(userID string) bool {
	scheduler.guardMutex.Lock()
	defer scheduler.guardMutex.Unlock()
	if _, busy := scheduler.inFlight[userID]; busy {
		return false
	}
	scheduler.inFlight[userID] = struct{}{}
	return true
}

// endRefresh releases the guard; entries never outlive the refresh.
func (scheduler *RefreshScheduler) endRefresh(userID string) {
	scheduler.guardMutex.Lock()
	defer scheduler.guardMutex.Unlock()
	delete(scheduler.inFlight, userID)
}
