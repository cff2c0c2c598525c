package adskit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTokenStore is an in-memory TokenStore intended for tests and dev.
type MemoryTokenStore struct {
	mutex  sync.Mutex
	byUser map[string]*TokenRecord
}

// NewMemoryTokenStore creates a new in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{byUser: make(map[string]*TokenRecord)}
}

// GetActive returns the user's token record when it exists and is active.
func (store *MemoryTokenStore) GetActive(ctx context.Context, userID string) (*TokenRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byUser[userID]
	if !ok || record.Status != TokenStatusActive {
		return nil, fmt.Errorf("token_store.get_active: %w", ErrTokenNotFound)
	}
	return cloneTokenRecord(record), nil
}

// ListActive returns every active token record.
func (store *MemoryTokenStore) ListActive(ctx context.Context) ([]TokenRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	records := make([]TokenRecord, 0, len(store.byUser))
	for _, record := range store.byUser {
		if record.Status == TokenStatusActive {
			records = append(records, *cloneTokenRecord(record))
		}
	}
	return records, nil
}

// Put upserts the single token record for the user, last writer wins.
func (store *MemoryTokenStore) Put(ctx context.Context, record *TokenRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byUser[record.UserID] = cloneTokenRecord(record)
	return nil
}

// MarkNeedsReauth transitions the user's record out of scheduled refresh.
func (store *MemoryTokenStore) MarkNeedsReauth(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byUser[userID]
	if !ok {
		return fmt.Errorf("token_store.mark_needs_reauth: %w", ErrTokenNotFound)
	}
	record.Status = TokenStatusNeedsReauth
	return nil
}

func cloneTokenRecord(record *TokenRecord) *TokenRecord {
	clone := *record
	clone.Scope = append([]string(nil), record.Scope...)
	if record.LastRefreshAt != nil {
		lastRefresh := *record.LastRefreshAt
		clone.LastRefreshAt = &lastRefresh
	}
	return &clone
}
