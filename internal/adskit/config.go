package adskit

import "time"

// ServerConfig configures OAuth endpoints, token encryption, and scheduling.
type ServerConfig struct {
	AmazonClientID     string
	AmazonClientSecret string
	AuthorizationURL   string
	TokenURL           string
	RedirectURI        string
	RequestedScopes    []string
	AdsAPIBaseURL      string

	TokenEncryptionKey []byte

	SessionSigningKey []byte
	SessionIssuer     string
	SessionCookieName string

	SchedulerTick      time.Duration
	RefreshBuffer      time.Duration
	MaxRefreshAttempts int
	BackoffBase        time.Duration
	StateTTL           time.Duration
}
