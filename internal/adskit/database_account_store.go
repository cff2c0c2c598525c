package adskit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DatabaseAccountStore persists linked account records using GORM.
type DatabaseAccountStore struct {
	db          *gorm.DB
	driverLabel string
}

type accountRecordRow struct {
	UserID         string `gorm:"column:user_id;primaryKey"`
	AccountType    string `gorm:"column:account_type;primaryKey"`
	ExternalID     string `gorm:"column:external_id;primaryKey"`
	DisplayName    string `gorm:"column:display_name;not null;default:''"`
	Managed        bool   `gorm:"column:managed;not null;default:false"`
	Stale          bool   `gorm:"column:stale;not null;default:false"`
	SharedEntityID string `gorm:"column:shared_entity_id;index;not null;default:''"`
	Relationships  string `gorm:"column:relationships;not null;default:''"`
	LastSyncedUnix int64  `gorm:"column:last_synced_unix;not null;default:0"`
}

func (accountRecordRow) TableName() string {
	return "ad_accounts"
}

// NewDatabaseAccountStore constructs a GORM-backed account store and migrates its table.
func NewDatabaseAccountStore(ctx context.Context, db *gorm.DB, driverLabel string) (*DatabaseAccountStore, error) {
	if migrateErr := db.WithContext(ctx).AutoMigrate(&accountRecordRow{}); migrateErr != nil {
		return nil, fmt.Errorf("account_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseAccountStore{db: db, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseAccountStore) Driver() string {
	return store.driverLabel
}

// Upsert inserts or updates the account record. The Managed flag of an
// existing row is preserved regardless of the incoming value.
func (store *DatabaseAccountStore) Upsert(ctx context.Context, record *AccountRecord) (bool, error) {
	created := false
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing accountRecordRow
		findErr := tx.Where(
			"user_id = ? AND account_type = ? AND external_id = ?",
			record.UserID, string(record.AccountType), record.ExternalID,
		).Take(&existing).Error

		row := rowFromAccountRecord(record)
		row.Stale = false
		if findErr == nil {
			row.Managed = existing.Managed
			return tx.Save(&row).Error
		}
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			created = true
			return tx.Create(&row).Error
		}
		return findErr
	})
	if err != nil {
		return false, fmt.Errorf("account_store.upsert.%s: %w", store.driverLabel, err)
	}
	return created, nil
}

// List returns the user's accounts of the given type, ordered by external id.
func (store *DatabaseAccountStore) List(ctx context.Context, userID string, accountType AccountType) ([]AccountRecord, error) {
	var rows []accountRecordRow
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND account_type = ?", userID, string(accountType)).
		Order("external_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("account_store.list.%s: %w", store.driverLabel, err)
	}
	records := make([]AccountRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, *accountRecordFromRow(row))
	}
	return records, nil
}

// SetManaged flips the user-controlled opt-in flag. This is the only code
// path that writes Managed on an existing row.
func (store *DatabaseAccountStore) SetManaged(ctx context.Context, userID string, accountType AccountType, externalID string, managed bool) error {
	result := store.db.WithContext(ctx).Model(&accountRecordRow{}).
		Where("user_id = ? AND account_type = ? AND external_id = ?", userID, string(accountType), externalID).
		Update("managed", managed)
	if result.Error != nil {
		return fmt.Errorf("account_store.set_managed.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account_store.set_managed.%s: %w", store.driverLabel, ErrAccountNotFound)
	}
	return nil
}

// UpdateRelationships replaces the stored cross-type relationship references
// without advancing last_synced_unix.
func (store *DatabaseAccountStore) UpdateRelationships(ctx context.Context, userID string, accountType AccountType, externalID string, relationships []AccountRef) error {
	result := store.db.WithContext(ctx).Model(&accountRecordRow{}).
		Where("user_id = ? AND account_type = ? AND external_id = ?", userID, string(accountType), externalID).
		Update("relationships", encodeRelationships(relationships))
	if result.Error != nil {
		return fmt.Errorf("account_store.update_relationships.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account_store.update_relationships.%s: %w", store.driverLabel, ErrAccountNotFound)
	}
	return nil
}

// MarkStale soft-marks the user's accounts of the given type that were not
// observed in the current pass. Nothing is deleted.
func (store *DatabaseAccountStore) MarkStale(ctx context.Context, userID string, accountType AccountType, seenExternalIDs []string) (int64, error) {
	query := store.db.WithContext(ctx).Model(&accountRecordRow{}).
		Where("user_id = ? AND account_type = ? AND stale = ?", userID, string(accountType), false)
	if len(seenExternalIDs) > 0 {
		query = query.Where("external_id NOT IN ?", seenExternalIDs)
	}
	result := query.Update("stale", true)
	if result.Error != nil {
		return 0, fmt.Errorf("account_store.mark_stale.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteStale removes unobserved unmanaged accounts of the given type.
// Managed accounts are never deleted.
func (store *DatabaseAccountStore) DeleteStale(ctx context.Context, userID string, accountType AccountType, seenExternalIDs []string) (int64, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND account_type = ? AND managed = ?", userID, string(accountType), false)
	if len(seenExternalIDs) > 0 {
		query = query.Where("external_id NOT IN ?", seenExternalIDs)
	}
	result := query.Delete(&accountRecordRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("account_store.delete_stale.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func accountRecordFromRow(row accountRecordRow) *AccountRecord {
	record := &AccountRecord{
		UserID:         row.UserID,
		AccountType:    AccountType(row.AccountType),
		ExternalID:     row.ExternalID,
		DisplayName:    row.DisplayName,
		Managed:        row.Managed,
		Stale:          row.Stale,
		SharedEntityID: row.SharedEntityID,
		Relationships:  decodeRelationships(row.Relationships),
	}
	if row.LastSyncedUnix != 0 {
		record.LastSyncedAt = time.Unix(row.LastSyncedUnix, 0).UTC()
	}
	return record
}

func rowFromAccountRecord(record *AccountRecord) accountRecordRow {
	var lastSyncedUnix int64
	if !record.LastSyncedAt.IsZero() {
		lastSyncedUnix = record.LastSyncedAt.UTC().Unix()
	}
	return accountRecordRow{
		UserID:         record.UserID,
		AccountType:    string(record.AccountType),
		ExternalID:     record.ExternalID,
		DisplayName:    record.DisplayName,
		Managed:        record.Managed,
		Stale:          record.Stale,
		SharedEntityID: record.SharedEntityID,
		Relationships:  encodeRelationships(record.Relationships),
		LastSyncedUnix: lastSyncedUnix,
	}
}

// encodeRelationships renders references as "type:id|type:id", sorted so that
// repeated joins produce identical column values.
func encodeRelationships(relationships []AccountRef) string {
	if len(relationships) == 0 {
		return ""
	}
	parts := make([]string, 0, len(relationships))
	for _, reference := range relationships {
		parts = append(parts, string(reference.AccountType)+":"+reference.ExternalID)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func decodeRelationships(encoded string) []AccountRef {
	if encoded == "" {
		return nil
	}
	parts := strings.Split(encoded, "|")
	relationships := make([]AccountRef, 0, len(parts))
	for _, part := range parts {
		accountType, externalID, found := strings.Cut(part, ":")
		if !found || accountType == "" || externalID == "" {
			continue
		}
		relationships = append(relationships, AccountRef{
			AccountType: AccountType(accountType),
			ExternalID:  externalID,
		})
	}
	return relationships
}
