package adskit

import "errors"

var (
	// ErrCipherEmptyInput indicates an attempt to encrypt an empty token string.
	ErrCipherEmptyInput = errors.New("token_cipher.empty_input")
	// ErrCipherInvalidCiphertext indicates the ciphertext failed authentication: wrong key, corruption, or a legacy plaintext value.
	ErrCipherInvalidCiphertext = errors.New("token_cipher.invalid_ciphertext")
	// ErrCipherInvalidKey indicates the symmetric key is not 32 bytes.
	ErrCipherInvalidKey = errors.New("token_cipher.invalid_key")

	// ErrStateMismatch indicates the OAuth callback state did not match the issued CSRF state.
	ErrStateMismatch = errors.New("oauth.state_mismatch")
	// ErrInvalidGrant indicates the provider rejected the grant permanently; the user must re-authenticate.
	ErrInvalidGrant = errors.New("oauth.invalid_grant")
	// ErrTransientProvider indicates a retryable provider failure: timeout, 5xx, or rate limiting.
	ErrTransientProvider = errors.New("oauth.transient_provider")

	// ErrTokenNotFound indicates no active token record exists for the user.
	ErrTokenNotFound = errors.New("token_store.not_found")
	// ErrAccountNotFound indicates no account record matched the (user, type, external id) key.
	ErrAccountNotFound = errors.New("account_store.not_found")

	// ErrStateNotFound indicates the supplied CSRF state was never issued or already consumed.
	ErrStateNotFound = errors.New("state_store.not_found")
	// ErrStateExpired indicates the CSRF state expired before the callback arrived.
	ErrStateExpired = errors.New("state_store.expired")

	// ErrReauthRequired indicates the token record is in needs_reauth and cannot be refreshed automatically.
	ErrReauthRequired = errors.New("scheduler.reauth_required")
	// ErrRefreshInFlight indicates another refresh for the same user is already running.
	ErrRefreshInFlight = errors.New("scheduler.refresh_in_flight")
)
