package adskit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DatabaseTokenStore persists token records using GORM, one row per user.
type DatabaseTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

type tokenRecordRow struct {
	UserID                 string `gorm:"column:user_id;primaryKey"`
	AccessTokenCiphertext  string `gorm:"column:access_token_ciphertext;not null"`
	RefreshTokenCiphertext string `gorm:"column:refresh_token_ciphertext;not null"`
	Scope                  string `gorm:"column:scope;not null;default:''"`
	ExpiresUnix            int64  `gorm:"column:expires_unix;not null"`
	RefreshCount           int64  `gorm:"column:refresh_count;not null;default:0"`
	LastRefreshUnix        int64  `gorm:"column:last_refresh_unix;not null;default:0"`
	Status                 string `gorm:"column:status;index;not null"`
}

func (tokenRecordRow) TableName() string {
	return "oauth_tokens"
}

// NewDatabaseTokenStore constructs a GORM-backed token store and migrates its table.
func NewDatabaseTokenStore(ctx context.Context, db *gorm.DB, driverLabel string) (*DatabaseTokenStore, error) {
	if migrateErr := db.WithContext(ctx).AutoMigrate(&tokenRecordRow{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseTokenStore{db: db, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseTokenStore) Driver() string {
	return store.driverLabel
}

// GetActive returns the user's token record when it exists and is active.
func (store *DatabaseTokenStore) GetActive(ctx context.Context, userID string) (*TokenRecord, error) {
	var row tokenRecordRow
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(TokenStatusActive)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("token_store.get_active.%s: %w", store.driverLabel, ErrTokenNotFound)
		}
		return nil, fmt.Errorf("token_store.get_active.%s: %w", store.driverLabel, err)
	}
	return tokenRecordFromRow(row), nil
}

// ListActive returns every active token record.
func (store *DatabaseTokenStore) ListActive(ctx context.Context) ([]TokenRecord, error) {
	var rows []tokenRecordRow
	err := store.db.WithContext(ctx).
		Where("status = ?", string(TokenStatusActive)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("token_store.list_active.%s: %w", store.driverLabel, err)
	}
	records := make([]TokenRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, *tokenRecordFromRow(row))
	}
	return records, nil
}

// Put upserts the single token record for the user, last writer wins.
func (store *DatabaseTokenStore) Put(ctx context.Context, record *TokenRecord) error {
	row := rowFromTokenRecord(record)
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("token_store.put.%s: %w", store.driverLabel, err)
	}
	return nil
}

// MarkNeedsReauth transitions the user's record out of scheduled refresh.
func (store *DatabaseTokenStore) MarkNeedsReauth(ctx context.Context, userID string) error {
	result := store.db.WithContext(ctx).Model(&tokenRecordRow{}).
		Where("user_id = ?", userID).
		Update("status", string(TokenStatusNeedsReauth))
	if result.Error != nil {
		return fmt.Errorf("token_store.mark_needs_reauth.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("token_store.mark_needs_reauth.%s: %w", store.driverLabel, ErrTokenNotFound)
	}
	return nil
}

func tokenRecordFromRow(row tokenRecordRow) *TokenRecord {
	record := &TokenRecord{
		UserID:                 row.UserID,
		AccessTokenCiphertext:  row.AccessTokenCiphertext,
		RefreshTokenCiphertext: row.RefreshTokenCiphertext,
		ExpiresAt:              time.Unix(row.ExpiresUnix, 0).UTC(),
		RefreshCount:           row.RefreshCount,
		Status:                 TokenStatus(row.Status),
	}
	if row.Scope != "" {
		record.Scope = strings.Fields(row.Scope)
	}
	if row.LastRefreshUnix != 0 {
		lastRefresh := time.Unix(row.LastRefreshUnix, 0).UTC()
		record.LastRefreshAt = &lastRefresh
	}
	return record
}

func rowFromTokenRecord(record *TokenRecord) tokenRecordRow {
	row := tokenRecordRow{
		UserID:                 record.UserID,
		AccessTokenCiphertext:  record.AccessTokenCiphertext,
		RefreshTokenCiphertext: record.RefreshTokenCiphertext,
		Scope:                  strings.Join(record.Scope, " "),
		ExpiresUnix:            record.ExpiresAt.UTC().Unix(),
		RefreshCount:           record.RefreshCount,
		Status:                 string(record.Status),
	}
	if record.LastRefreshAt != nil {
		row.LastRefreshUnix = record.LastRefreshAt.UTC().Unix()
	}
	return row
}
