package adskitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS oauth_tokens (
    user_id TEXT PRIMARY KEY,
    access_token_ciphertext TEXT NOT NULL,
    refresh_token_ciphertext TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT '',
    expires_unix BIGINT NOT NULL,
    refresh_count BIGINT NOT NULL DEFAULT 0,
    last_refresh_unix BIGINT NOT NULL DEFAULT 0,
    status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oauth_tokens_status ON oauth_tokens (status);
`)
	return err
}
