package adskit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStateStore(ttl time.Duration) (*memoryStateStore, *time.Time) {
	current := time.Unix(1700000000, 0).UTC()
	store := &memoryStateStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     func() time.Time { return current },
	}
	return store, &current
}

func TestStateStoreConsumeSucceedsOnce(t *testing.T) {
	t.Parallel()

	store, _ := newTestStateStore(5 * time.Minute)

	if err := store.Save(context.Background(), "state-abc"); err != nil {
		t.Fatalf("save error: %v", err)
	}
	if err := store.Consume(context.Background(), "state-abc"); err != nil {
		t.Fatalf("consume error: %v", err)
	}
	if err := store.Consume(context.Background(), "state-abc"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound on replay, got %v", err)
	}
}

func TestStateStoreConsumeUnknownState(t *testing.T) {
	t.Parallel()

	store, _ := newTestStateStore(5 * time.Minute)
	if err := store.Consume(context.Background(), "never-saved"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestStateStoreConsumeExpiredState(t *testing.T) {
	t.Parallel()

	store, current := newTestStateStore(5 * time.Minute)

	if err := store.Save(context.Background(), "state-old"); err != nil {
		t.Fatalf("save error: %v", err)
	}
	*current = current.Add(6 * time.Minute)
	if err := store.Consume(context.Background(), "state-old"); !errors.Is(err, ErrStateExpired) {
		t.Fatalf("expected ErrStateExpired, got %v", err)
	}
}

func TestStateStorePurgesExpiredEntries(t *testing.T) {
	t.Parallel()

	store, current := newTestStateStore(5 * time.Minute)

	if err := store.Save(context.Background(), "state-one"); err != nil {
		t.Fatalf("save error: %v", err)
	}
	if err := store.Save(context.Background(), "state-two"); err != nil {
		t.Fatalf("save error: %v", err)
	}
	*current = current.Add(10 * time.Minute)

	if err := store.Save(context.Background(), "state-fresh"); err != nil {
		t.Fatalf("save error: %v", err)
	}

	store.mutex.Lock()
	remaining := len(store.entries)
	store.mutex.Unlock()
	if remaining != 1 {
		t.Fatalf("expected a single fresh entry after purge, got %d", remaining)
	}
}
