package adskit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeAdsAPI struct {
	profiles    []ProviderAccount
	profilesErr error
	dsp         []ProviderAccount
	dspErr      error
	amc         []ProviderAccount
	amcErr      error
}

func (api *fakeAdsAPI) FetchSponsoredAdsProfiles(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
	return api.profiles, api.profilesErr
}

func (api *fakeAdsAPI) FetchDSPAdvertisers(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
	return api.dsp, api.dspErr
}

func (api *fakeAdsAPI) FetchAMCInstances(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
	return api.amc, api.amcErr
}

type fakeTokenProvider struct {
	token string
	err   error
}

func (provider *fakeTokenProvider) ActiveAccessToken(ctx context.Context, userID string) (string, error) {
	return provider.token, provider.err
}

func newTestSyncEngine(t *testing.T, api *fakeAdsAPI) (*SyncEngine, *MemoryAccountStore) {
	t.Helper()
	accounts := NewMemoryAccountStore()
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	engine := NewSyncEngine(accounts, api, &fakeTokenProvider{token: "access-token"}, clock, zaptest.NewLogger(t), NewCounterMetrics())
	return engine, accounts
}

func TestRunSyncFailsWithoutValidToken(t *testing.T) {
	accounts := NewMemoryAccountStore()
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	provider := &fakeTokenProvider{err: fmt.Errorf("token_store.get_active: %w", ErrTokenNotFound)}
	engine := NewSyncEngine(accounts, &fakeAdsAPI{}, provider, clock, zaptest.NewLogger(t), NewCounterMetrics())

	if _, err := engine.RunSync(context.Background(), "user-1", SyncOptions{}); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestRunSyncCreatesThenUpdates(t *testing.T) {
	api := &fakeAdsAPI{
		profiles: []ProviderAccount{
			{ExternalID: "111", DisplayName: "Acme US", SharedEntityID: "ENTITY1"},
			{ExternalID: "222", DisplayName: "Acme DE", SharedEntityID: "ENTITY2"},
		},
		dsp: []ProviderAccount{
			{ExternalID: "A1", DisplayName: "Advertiser One", SharedEntityID: "ENTITY1"},
		},
		amc: []ProviderAccount{
			{ExternalID: "amc-1", DisplayName: "Insights", SharedEntityID: "ENTITY1"},
		},
	}
	engine, _ := newTestSyncEngine(t, api)

	summary, err := engine.RunSync(context.Background(), "user-1", SyncOptions{})
	if err != nil {
		t.Fatalf("sync error: %v", err)
	}
	if summary.RunID == "" {
		t.Fatalf("expected a run id")
	}
	if summary.Results[AccountTypeSponsoredAds].Created != 2 {
		t.Fatalf("expected 2 created profiles, got %+v", summary.Results[AccountTypeSponsoredAds])
	}
	if summary.Results[AccountTypeDSP].Created != 1 || summary.Results[AccountTypeAMC].Created != 1 {
		t.Fatalf("expected 1 created per other type, got %+v", summary.Results)
	}

	// A second identical pass updates everything and creates nothing.
	second, err := engine.RunSync(context.Background(), "user-1", SyncOptions{})
	if err != nil {
		t.Fatalf("sync error: %v", err)
	}
	for _, accountType := range []AccountType{AccountTypeSponsoredAds, AccountTypeDSP, AccountTypeAMC} {
		result := second.Results[accountType]
		if result.Created != 0 {
			t.Fatalf("%s: expected no creates on repeat pass, got %d", accountType, result.Created)
		}
		if result.StaleMarked != 0 {
			t.Fatalf("%s: expected nothing marked stale, got %d", accountType, result.StaleMarked)
		}
	}
	if second.Results[AccountTypeSponsoredAds].Updated != 2 {
		t.Fatalf("expected 2 updates, got %+v", second.Results[AccountTypeSponsoredAds])
	}
	if second.RunID == summary.RunID {
		t.Fatalf("expected distinct run ids")
	}
}

func TestRunSyncLinksRelationshipsAcrossTypes(t *testing.T) {
	api := &fakeAdsAPI{
		profiles: []ProviderAccount{
			{ExternalID: "111", DisplayName: "Acme US", SharedEntityID: "ENTITY1"},
			{ExternalID: "333", DisplayName: "Lonely", SharedEntityID: ""},
		},
		dsp: []ProviderAccount{
			{ExternalID: "A1", DisplayName: "Advertiser One", SharedEntityID: "ENTITY1"},
		},
		amc: []ProviderAccount{
			{ExternalID: "amc-1", DisplayName: "Insights", SharedEntityID: "ENTITY1"},
		},
	}
	engine, accounts := newTestSyncEngine(t, api)

	summary, err := engine.RunSync(context.Background(), "user-1", SyncOptions{})
	if err != nil {
		t.Fatalf("sync error: %v", err)
	}
	// Each of the three grouped accounts links to its two counterparts.
	if summary.RelationshipsLinked != 6 {
		t.Fatalf("expected 6 linked references, got %d", summary.RelationshipsLinked)
	}

	profiles, _ := accounts.List(context.Background(), "user-1", AccountTypeSponsoredAds)
	var linked *AccountRecord
	for index := range profiles {
		if profiles[index].ExternalID == "111" {
			linked = &profiles[index]
		}
	}
	if linked == nil {
		t.Fatalf("profile 111 missing")
	}
	if len(linked.Relationships) != 2 {
		t.Fatalf("expected 2 relationships, got %+v", linked.Relationships)
	}
	// Sorted by type then id: amc before dsp.
	if linked.Relationships[0].AccountType != AccountTypeAMC || linked.Relationships[1].AccountType != AccountTypeDSP {
		t.Fatalf("expected sorted references, got %+v", linked.Relationships)
	}

	for _, record := range profiles {
		if record.ExternalID == "333" && len(record.Relationships) != 0 {
			t.Fatalf("expected no relationships without a shared entity, got %+v", record.Relationships)
		}
	}

	// Repeated passes produce identical links.
	second, err := engine.RunSync(context.Background(), "user-1", SyncOptions{})
	if err != nil {
		t.Fatalf("sync error: %v", err)
	}
	if second.RelationshipsLinked != 6 {
		t.Fatalf("expected stable relationship count, got %d", second.RelationshipsLinked)
	}
}

func TestRunSyncIsolatesFetchFailuresPerType(t *testing.T) {
	api := &fakeAdsAPI{
		profiles: []ProviderAccount{{ExternalID: "111", DisplayName: "Acme US", SharedEntityID: "ENTITY1"}},
		dsp:      []ProviderAccount{{ExternalID: "A1", DisplayName: "Advertiser One", SharedEntityID: "ENTITY1"}},
		amc:      []ProviderAccount{{ExternalID: "amc-1", DisplayName: "Insights", SharedEntityID: "ENTITY1"}},
	}
	engine, accounts := newTestSyncEngine(t, api)

	// Seed every type, then fail the DSP fetch on the next pass.
	if _, err := engine.RunSync(context.Background(), "user-1", SyncOptions{}); err != nil {
		t.Fatalf("seed sync error: %v", err)
	}

	api.dsp = nil
	api.dspErr = fmt.Errorf("ads_api.dsp_advertisers: status 504: %w", ErrTransientProvider)
	api.profiles = []ProviderAccount{{ExternalID: "111", DisplayName: "Acme US", SharedEntityID: "ENTITY1"}}

	summary, err := engine.RunSync(context.Background(), "user-1", SyncOptions{})
	if err != nil {
		t.Fatalf("sync must not fail for a single collection, got %v", err)
	}
	dspResult := summary.Results[AccountTypeDSP]
	if dspResult.FetchError == "" {
		t.Fatalf("expected fetch error recorded for dsp")
	}
	if dspResult.Created != 0 || dspResult.Updated != 0 || dspResult.StaleMarked != 0 {
		t.Fatalf("expected no dsp reconciliation, got %+v", dspResult)
	}

	// The stored DSP advertiser survives untouched, not marked stale.
	dspRecords, _ := accounts.List(context.Background(), "user-1", AccountTypeDSP)
	if len(dspRecords) != 1 || dspRecords[0].Stale {
		t.Fatalf("expected stored dsp advertiser untouched, got %+v", dspRecords)
	}

	// The relationship join still sees the stored advertiser.
	if summary.RelationshipsLinked != 6 {
		t.Fatalf("expected relationships preserved from the store, got %d", summary.RelationshipsLinked)
	}

	// The other types reconciled normally.
	if summary.Results[AccountTypeSponsoredAds].Updated != 1 || summary.Results[AccountTypeAMC].Updated != 1 {
		t.Fatalf("expected normal reconciliation for other types, got %+v", summary.Results)
	}
}

func TestRunSyncMarksVanishedAccountsStale(t *testing.T) {
	api := &fakeAdsAPI{
		profiles: []ProviderAccount{
			{ExternalID: "111", DisplayName: "Acme US"},
			{ExternalID: "222", DisplayName: "Acme DE"},
		},
	}
	engine, accounts := newTestSyncEngine(t, api)

	if _, err := engine.RunSync(context.Background(), "user-1", SyncOptions{}); err != nil {
		t.Fatalf("seed sync error: %v", err)
	}

	api.profiles = []ProviderAccount{{ExternalID: "111", DisplayName: "Acme US"}}
	summary, err := engine.RunSync(context.Background(), "user-1", SyncOptions{})
	if err != nil {
		t.Fatalf("sync error: %v", err)
	}
	if summary.Results[AccountTypeSponsoredAds].StaleMarked != 1 {
		t.Fatalf("expected 1 stale marked, got %+v", summary.Results[AccountTypeSponsoredAds])
	}

	records, _ := accounts.List(context.Background(), "user-1", AccountTypeSponsoredAds)
	if len(records) != 2 {
		t.Fatalf("expected soft-stale to keep both records, got %d", len(records))
	}
	for _, record := range records {
		wantStale := record.ExternalID == "222"
		if record.Stale != wantStale {
			t.Fatalf("account %s: expected stale=%v", record.ExternalID, wantStale)
		}
	}
}

func TestRunSyncDeleteStaleSparesManaged(t *testing.T) {
	api := &fakeAdsAPI{
		profiles: []ProviderAccount{
			{ExternalID: "111", DisplayName: "Acme US"},
			{ExternalID: "222", DisplayName: "Acme DE"},
			{ExternalID: "333", DisplayName: "Acme FR"},
		},
	}
	engine, accounts := newTestSyncEngine(t, api)

	if _, err := engine.RunSync(context.Background(), "user-1", SyncOptions{}); err != nil {
		t.Fatalf("seed sync error: %v", err)
	}
	if err := accounts.SetManaged(context.Background(), "user-1", AccountTypeSponsoredAds, "222", true); err != nil {
		t.Fatalf("set managed error: %v", err)
	}

	api.profiles = []ProviderAccount{{ExternalID: "111", DisplayName: "Acme US"}}
	summary, err := engine.RunSync(context.Background(), "user-1", SyncOptions{DeleteStale: true})
	if err != nil {
		t.Fatalf("sync error: %v", err)
	}
	if summary.Results[AccountTypeSponsoredAds].StaleDeleted != 1 {
		t.Fatalf("expected 1 deleted, got %+v", summary.Results[AccountTypeSponsoredAds])
	}

	records, _ := accounts.List(context.Background(), "user-1", AccountTypeSponsoredAds)
	if len(records) != 2 {
		t.Fatalf("expected observed and managed records to remain, got %d", len(records))
	}
	for _, record := range records {
		if record.ExternalID == "333" {
			t.Fatalf("expected unmanaged vanished account deleted")
		}
	}
}

func TestRunSyncManagedFlagSurvivesPasses(t *testing.T) {
	api := &fakeAdsAPI{
		profiles: []ProviderAccount{{ExternalID: "111", DisplayName: "Acme US"}},
	}
	engine, accounts := newTestSyncEngine(t, api)

	if _, err := engine.RunSync(context.Background(), "user-1", SyncOptions{}); err != nil {
		t.Fatalf("seed sync error: %v", err)
	}
	if err := accounts.SetManaged(context.Background(), "user-1", AccountTypeSponsoredAds, "111", true); err != nil {
		t.Fatalf("set managed error: %v", err)
	}

	if _, err := engine.RunSync(context.Background(), "user-1", SyncOptions{}); err != nil {
		t.Fatalf("sync error: %v", err)
	}
	records, _ := accounts.List(context.Background(), "user-1", AccountTypeSponsoredAds)
	if !records[0].Managed {
		t.Fatalf("expected managed flag to survive repeated passes")
	}
}
