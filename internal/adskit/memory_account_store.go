package adskit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type accountKey struct {
	userID      string
	accountType AccountType
	externalID  string
}

// MemoryAccountStore is an in-memory AccountStore intended for tests and dev.
type MemoryAccountStore struct {
	mutex sync.Mutex
	byKey map[accountKey]*AccountRecord
}

// NewMemoryAccountStore creates a new in-memory account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{byKey: make(map[accountKey]*AccountRecord)}
}

// Upsert inserts or updates the account record. The Managed flag of an
// existing row is preserved regardless of the incoming value.
func (store *MemoryAccountStore) Upsert(ctx context.Context, record *AccountRecord) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := accountKey{userID: record.UserID, accountType: record.AccountType, externalID: record.ExternalID}
	existing, ok := store.byKey[key]
	stored := cloneAccountRecord(record)
	stored.Stale = false
	if ok {
		stored.Managed = existing.Managed
	}
	store.byKey[key] = stored
	return !ok, nil
}

// List returns the user's accounts of the given type, ordered by external id.
func (store *MemoryAccountStore) List(ctx context.Context, userID string, accountType AccountType) ([]AccountRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	records := make([]AccountRecord, 0)
	for key, record := range store.byKey {
		if key.userID == userID && key.accountType == accountType {
			records = append(records, *cloneAccountRecord(record))
		}
	}
	sort.Slice(records, func(left, right int) bool {
		return records[left].ExternalID < records[right].ExternalID
	})
	return records, nil
}

// SetManaged flips the user-controlled opt-in flag. This is the only code
// path that writes Managed on an existing row.
func (store *MemoryAccountStore) SetManaged(ctx context.Context, userID string, accountType AccountType, externalID string, managed bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byKey[accountKey{userID: userID, accountType: accountType, externalID: externalID}]
	if !ok {
		return fmt.Errorf("account_store.set_managed: %w", ErrAccountNotFound)
	}
	record.Managed = managed
	return nil
}

// UpdateRelationships replaces the stored cross-type relationship references
// without advancing LastSyncedAt.
func (store *MemoryAccountStore) UpdateRelationships(ctx context.Context, userID string, accountType AccountType, externalID string, relationships []AccountRef) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byKey[accountKey{userID: userID, accountType: accountType, externalID: externalID}]
	if !ok {
		return fmt.Errorf("account_store.update_relationships: %w", ErrAccountNotFound)
	}
	record.Relationships = append([]AccountRef(nil), relationships...)
	return nil
}

// MarkStale soft-marks the user's accounts of the given type that were not
// observed in the current pass. Nothing is deleted.
func (store *MemoryAccountStore) MarkStale(ctx context.Context, userID string, accountType AccountType, seenExternalIDs []string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	seen := make(map[string]struct{}, len(seenExternalIDs))
	for _, externalID := range seenExternalIDs {
		seen[externalID] = struct{}{}
	}
	var marked int64
	for key, record := range store.byKey {
		if key.userID != userID || key.accountType != accountType {
			continue
		}
		if _, observed := seen[key.externalID]; observed {
			continue
		}
		if !record.Stale {
			record.Stale = true
			marked++
		}
	}
	return marked, nil
}

// DeleteStale removes unobserved unmanaged accounts of the given type.
// Managed accounts are never deleted.
func (store *MemoryAccountStore) DeleteStale(ctx context.Context, userID string, accountType AccountType, seenExternalIDs []string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	seen := make(map[string]struct{}, len(seenExternalIDs))
	for _, externalID := range seenExternalIDs {
		seen[externalID] = struct{}{}
	}
	var deleted int64
	for key, record := range store.byKey {
		if key.userID != userID || key.accountType != accountType {
			continue
		}
		if _, observed := seen[key.externalID]; observed {
			continue
		}
		if record.Managed {
			continue
		}
		delete(store.byKey, key)
		deleted++
	}
	return deleted, nil
}

func cloneAccountRecord(record *AccountRecord) *AccountRecord {
	clone := *record
	clone.Relationships = append([]AccountRef(nil), record.Relationships...)
	return &clone
}
