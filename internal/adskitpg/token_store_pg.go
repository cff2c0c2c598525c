package adskitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/adskit"
)

// PostgresTokenStore persists token records in PostgreSQL without an ORM.
type PostgresTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresTokenStore constructs a Postgres store.
func NewPostgresTokenStore(pool *pgxpool.Pool) *PostgresTokenStore {
	return &PostgresTokenStore{pool: pool}
}

// GetActive returns the user's token record when it exists and is active.
func (store *PostgresTokenStore) GetActive(ctx context.Context, userID string) (*adskit.TokenRecord, error) {
	row := store.pool.QueryRow(ctx, `
SELECT user_id, access_token_ciphertext, refresh_token_ciphertext, scope, expires_unix, refresh_count, last_refresh_unix, status
FROM oauth_tokens
WHERE user_id = $1 AND status = $2
`, userID, string(adskit.TokenStatusActive))
	record, scanErr := scanTokenRecord(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("token_store.get_active.postgres: %w", adskit.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("token_store.get_active.postgres: %w", scanErr)
	}
	return record, nil
}

// ListActive returns every active token record.
func (store *PostgresTokenStore) ListActive(ctx context.Context) ([]adskit.TokenRecord, error) {
	rows, queryErr := store.pool.Query(ctx, `
SELECT user_id, access_token_ciphertext, refresh_token_ciphertext, scope, expires_unix, refresh_count, last_refresh_unix, status
FROM oauth_tokens
WHERE status = $1
`, string(adskit.TokenStatusActive))
	if queryErr != nil {
		return nil, fmt.Errorf("token_store.list_active.postgres: %w", queryErr)
	}
	defer rows.Close()

	var records []adskit.TokenRecord
	for rows.Next() {
		record, scanErr := scanTokenRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("token_store.list_active.postgres: %w", scanErr)
		}
		records = append(records, *record)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("token_store.list_active.postgres: %w", rowsErr)
	}
	return records, nil
}

// Put upserts the single token record for the user, last writer wins.
func (store *PostgresTokenStore) Put(ctx context.Context, record *adskit.TokenRecord) error {
	var lastRefreshUnix int64
	if record.LastRefreshAt != nil {
		lastRefreshUnix = record.LastRefreshAt.UTC().Unix()
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO oauth_tokens (user_id, access_token_ciphertext, refresh_token_ciphertext, scope, expires_unix, refresh_count, last_refresh_unix, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id) DO UPDATE SET
    access_token_ciphertext = EXCLUDED.access_token_ciphertext,
    refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
    scope = EXCLUDED.scope,
    expires_unix = EXCLUDED.expires_unix,
    refresh_count = EXCLUDED.refresh_count,
    last_refresh_unix = EXCLUDED.last_refresh_unix,
    status = EXCLUDED.status
`, record.UserID, record.AccessTokenCiphertext, record.RefreshTokenCiphertext,
		strings.Join(record.Scope, " "), record.ExpiresAt.UTC().Unix(),
		record.RefreshCount, lastRefreshUnix, string(record.Status))
	if execErr != nil {
		return fmt.Errorf("token_store.put.postgres: %w", execErr)
	}
	return nil
}

// MarkNeedsReauth transitions the user's record out of scheduled refresh.
func (store *PostgresTokenStore) MarkNeedsReauth(ctx context.Context, userID string) error {
	tag, execErr := store.pool.Exec(ctx, `
UPDATE oauth_tokens
SET status = $1
WHERE user_id = $2
`, string(adskit.TokenStatusNeedsReauth), userID)
	if execErr != nil {
		return fmt.Errorf("token_store.mark_needs_reauth.postgres: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token_store.mark_needs_reauth.postgres: %w", adskit.ErrTokenNotFound)
	}
	return nil
}

func scanTokenRecord(row pgx.Row) (*adskit.TokenRecord, error) {
	var record adskit.TokenRecord
	var scope string
	var expiresUnix int64
	var lastRefreshUnix int64
	var status string
	if scanErr := row.Scan(&record.UserID, &record.AccessTokenCiphertext, &record.RefreshTokenCiphertext,
		&scope, &expiresUnix, &record.RefreshCount, &lastRefreshUnix, &status); scanErr != nil {
		return nil, scanErr
	}
	if scope != "" {
		record.Scope = strings.Fields(scope)
	}
	record.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	if lastRefreshUnix != 0 {
		lastRefresh := time.Unix(lastRefreshUnix, 0).UTC()
		record.LastRefreshAt = &lastRefresh
	}
	record.Status = adskit.TokenStatus(status)
	return &record, nil
}
