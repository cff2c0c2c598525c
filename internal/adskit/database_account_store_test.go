package adskit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestAccountStore(t *testing.T) *DatabaseAccountStore {
	t.Helper()
	sqliteTestSequence++
	databaseURL := fmt.Sprintf("sqlite://file:accounts_%d?mode=memory&cache=shared", sqliteTestSequence)
	db, driverLabel, openErr := OpenDatabase(databaseURL)
	if openErr != nil {
		t.Fatalf("failed to open database: %v", openErr)
	}
	store, storeErr := NewDatabaseAccountStore(context.Background(), db, driverLabel)
	if storeErr != nil {
		t.Fatalf("failed to create store: %v", storeErr)
	}
	return store
}

func TestDatabaseAccountStoreUpsertAndList(t *testing.T) {
	store := openTestAccountStore(t)

	record := &AccountRecord{
		UserID:         "user-1",
		AccountType:    AccountTypeDSP,
		ExternalID:     "A1",
		DisplayName:    "Advertiser One",
		SharedEntityID: "ENTITY1",
		LastSyncedAt:   time.Unix(1700000000, 0).UTC(),
	}
	created, err := store.Upsert(context.Background(), record)
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if !created {
		t.Fatalf("expected creation on first upsert")
	}

	created, err = store.Upsert(context.Background(), record)
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if created {
		t.Fatalf("expected update on second upsert")
	}

	records, listErr := store.List(context.Background(), "user-1", AccountTypeDSP)
	if listErr != nil {
		t.Fatalf("list error: %v", listErr)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	fetched := records[0]
	if fetched.DisplayName != "Advertiser One" || fetched.SharedEntityID != "ENTITY1" {
		t.Fatalf("unexpected record: %+v", fetched)
	}
	if !fetched.LastSyncedAt.Equal(record.LastSyncedAt) {
		t.Fatalf("expected last synced %v, got %v", record.LastSyncedAt, fetched.LastSyncedAt)
	}
}

func TestDatabaseAccountStoreUpsertPreservesManagedFlag(t *testing.T) {
	store := openTestAccountStore(t)

	record := &AccountRecord{UserID: "user-1", AccountType: AccountTypeSponsoredAds, ExternalID: "111", DisplayName: "Acme"}
	if _, err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if err := store.SetManaged(context.Background(), "user-1", AccountTypeSponsoredAds, "111", true); err != nil {
		t.Fatalf("set managed error: %v", err)
	}

	refetched := &AccountRecord{UserID: "user-1", AccountType: AccountTypeSponsoredAds, ExternalID: "111", DisplayName: "Acme Renamed"}
	if _, err := store.Upsert(context.Background(), refetched); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	records, listErr := store.List(context.Background(), "user-1", AccountTypeSponsoredAds)
	if listErr != nil {
		t.Fatalf("list error: %v", listErr)
	}
	if !records[0].Managed {
		t.Fatalf("expected managed flag to survive sync upsert")
	}
	if records[0].DisplayName != "Acme Renamed" {
		t.Fatalf("expected display name update, got %q", records[0].DisplayName)
	}
}

func TestDatabaseAccountStoreSetManagedUnknownAccount(t *testing.T) {
	store := openTestAccountStore(t)

	err := store.SetManaged(context.Background(), "user-1", AccountTypeAMC, "missing", true)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDatabaseAccountStoreMarkStale(t *testing.T) {
	store := openTestAccountStore(t)

	for _, externalID := range []string{"111", "222", "333"} {
		record := &AccountRecord{UserID: "user-1", AccountType: AccountTypeSponsoredAds, ExternalID: externalID}
		if _, err := store.Upsert(context.Background(), record); err != nil {
			t.Fatalf("upsert error: %v", err)
		}
	}

	marked, markErr := store.MarkStale(context.Background(), "user-1", AccountTypeSponsoredAds, []string{"111"})
	if markErr != nil {
		t.Fatalf("mark stale error: %v", markErr)
	}
	if marked != 2 {
		t.Fatalf("expected 2 marked, got %d", marked)
	}

	records, _ := store.List(context.Background(), "user-1", AccountTypeSponsoredAds)
	for _, record := range records {
		wantStale := record.ExternalID != "111"
		if record.Stale != wantStale {
			t.Fatalf("account %s: expected stale=%v, got %v", record.ExternalID, wantStale, record.Stale)
		}
	}
}

func TestDatabaseAccountStoreMarkStaleEmptySeenMarksAll(t *testing.T) {
	store := openTestAccountStore(t)

	for _, externalID := range []string{"111", "222"} {
		record := &AccountRecord{UserID: "user-1", AccountType: AccountTypeAMC, ExternalID: externalID}
		if _, err := store.Upsert(context.Background(), record); err != nil {
			t.Fatalf("upsert error: %v", err)
		}
	}

	marked, markErr := store.MarkStale(context.Background(), "user-1", AccountTypeAMC, nil)
	if markErr != nil {
		t.Fatalf("mark stale error: %v", markErr)
	}
	if marked != 2 {
		t.Fatalf("expected every account marked when nothing was observed, got %d", marked)
	}
}

func TestDatabaseAccountStoreDeleteStaleSparesManagedAccounts(t *testing.T) {
	store := openTestAccountStore(t)

	for _, externalID := range []string{"111", "222", "333"} {
		record := &AccountRecord{UserID: "user-1", AccountType: AccountTypeDSP, ExternalID: externalID}
		if _, err := store.Upsert(context.Background(), record); err != nil {
			t.Fatalf("upsert error: %v", err)
		}
	}
	if err := store.SetManaged(context.Background(), "user-1", AccountTypeDSP, "222", true); err != nil {
		t.Fatalf("set managed error: %v", err)
	}

	deleted, deleteErr := store.DeleteStale(context.Background(), "user-1", AccountTypeDSP, []string{"111"})
	if deleteErr != nil {
		t.Fatalf("delete stale error: %v", deleteErr)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	records, _ := store.List(context.Background(), "user-1", AccountTypeDSP)
	if len(records) != 2 {
		t.Fatalf("expected managed and observed rows to remain, got %d", len(records))
	}
}

func TestDatabaseAccountStoreRelationshipsRoundTrip(t *testing.T) {
	store := openTestAccountStore(t)

	record := &AccountRecord{UserID: "user-1", AccountType: AccountTypeSponsoredAds, ExternalID: "111"}
	if _, err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	references := []AccountRef{
		{AccountType: AccountTypeAMC, ExternalID: "amc-1"},
		{AccountType: AccountTypeDSP, ExternalID: "A1"},
	}
	if err := store.UpdateRelationships(context.Background(), "user-1", AccountTypeSponsoredAds, "111", references); err != nil {
		t.Fatalf("update relationships error: %v", err)
	}

	records, _ := store.List(context.Background(), "user-1", AccountTypeSponsoredAds)
	if len(records[0].Relationships) != 2 {
		t.Fatalf("expected 2 relationships, got %+v", records[0].Relationships)
	}
	if records[0].Relationships[0].AccountType != AccountTypeAMC || records[0].Relationships[0].ExternalID != "amc-1" {
		t.Fatalf("unexpected first relationship: %+v", records[0].Relationships[0])
	}
}

func TestEncodeRelationshipsIsOrderIndependent(t *testing.T) {
	t.Parallel()

	forward := encodeRelationships([]AccountRef{
		{AccountType: AccountTypeDSP, ExternalID: "A1"},
		{AccountType: AccountTypeAMC, ExternalID: "amc-1"},
	})
	reversed := encodeRelationships([]AccountRef{
		{AccountType: AccountTypeAMC, ExternalID: "amc-1"},
		{AccountType: AccountTypeDSP, ExternalID: "A1"},
	})
	if forward != reversed {
		t.Fatalf("expected identical encodings, got %q and %q", forward, reversed)
	}
	if forward != "amc:amc-1|dsp:A1" {
		t.Fatalf("unexpected encoding %q", forward)
	}
}

func TestDecodeRelationshipsSkipsMalformedParts(t *testing.T) {
	t.Parallel()

	decoded := decodeRelationships("amc:amc-1|broken|:empty-type|dsp:A1")
	if len(decoded) != 2 {
		t.Fatalf("expected 2 decoded references, got %+v", decoded)
	}
	if decoded[1].AccountType != AccountTypeDSP || decoded[1].ExternalID != "A1" {
		t.Fatalf("unexpected second reference: %+v", decoded[1])
	}
	if decodeRelationships("") != nil {
		t.Fatalf("expected nil for empty encoding")
	}
}
