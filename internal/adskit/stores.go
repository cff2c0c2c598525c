package adskit

import (
	"context"
	"time"
)

// TokenStatus is the lifecycle state of a token record.
type TokenStatus string

const (
	// TokenStatusActive marks a token record that participates in scheduled refresh.
	TokenStatusActive TokenStatus = "active"
	// TokenStatusNeedsReauth marks a record whose grant is permanently invalid until the user re-authorizes.
	TokenStatusNeedsReauth TokenStatus = "needs_reauth"
)

// AccountType distinguishes the three provider account collections.
type AccountType string

const (
	AccountTypeSponsoredAds AccountType = "sponsored_ads"
	AccountTypeDSP          AccountType = "dsp"
	AccountTypeAMC          AccountType = "amc"
)

// TokenRecord is the single active credential pair for a user. Token fields
// hold ciphertext only; plaintext never reaches a store.
type TokenRecord struct {
	UserID                 string
	AccessTokenCiphertext  string
	RefreshTokenCiphertext string
	Scope                  []string
	ExpiresAt              time.Time
	RefreshCount           int64
	LastRefreshAt          *time.Time
	Status                 TokenStatus
}

// AccountRef names a counterpart account linked through a shared advertiser entity.
type AccountRef struct {
	AccountType AccountType `json:"account_type"`
	ExternalID  string      `json:"external_id"`
}

// AccountRecord is one linked advertising account, keyed by
// (user, account type, external id).
type AccountRecord struct {
	UserID         string
	AccountType    AccountType
	ExternalID     string
	DisplayName    string
	Managed        bool
	Stale          bool
	SharedEntityID string
	Relationships  []AccountRef
	LastSyncedAt   time.Time
}

// TokenStore persists one active token record per user.
type TokenStore interface {
	GetActive(ctx context.Context, userID string) (*TokenRecord, error)
	ListActive(ctx context.Context) ([]TokenRecord, error)
	Put(ctx context.Context, record *TokenRecord) error
	MarkNeedsReauth(ctx context.Context, userID string) error
}

// AccountStore persists linked account records.
//
// Upsert preserves the Managed flag on existing rows; only SetManaged may
// change it. Upsert reports whether the row was created.
type AccountStore interface {
	Upsert(ctx context.Context, record *AccountRecord) (created bool, err error)
	List(ctx context.Context, userID string, accountType AccountType) ([]AccountRecord, error)
	SetManaged(ctx context.Context, userID string, accountType AccountType, externalID string, managed bool) error
	UpdateRelationships(ctx context.Context, userID string, accountType AccountType, externalID string, relationships []AccountRef) error
	MarkStale(ctx context.Context, userID string, accountType AccountType, seenExternalIDs []string) (int64, error)
	DeleteStale(ctx context.Context, userID string, accountType AccountType, seenExternalIDs []string) (int64, error)
}
