package adskit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	csrfStateByteLength     = 32
	defaultOAuthCallTimeout = 10 * time.Second
)

// TokenPair is the provider's response to a code exchange or refresh. It is
// plaintext and must not outlive the operation that produced it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        []string
}

// OAuthClient is the request/response boundary to the provider's
// authorization and token endpoints. It performs no persistence.
type OAuthClient interface {
	BuildAuthorizationURL(requestedScopes []string) (authorizeURL string, csrfState string, err error)
	ExchangeCode(ctx context.Context, code string, expectedState string, receivedState string) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// AmazonOAuthClient implements OAuthClient against Login with Amazon.
type AmazonOAuthClient struct {
	clientID         string
	clientSecret     string
	authorizationURL string
	tokenURL         string
	redirectURI      string
	httpClient       *http.Client
	callTimeout      time.Duration
}

// NewAmazonOAuthClient constructs a client from the server configuration.
func NewAmazonOAuthClient(configuration ServerConfig) *AmazonOAuthClient {
	return &AmazonOAuthClient{
		clientID:         configuration.AmazonClientID,
		clientSecret:     configuration.AmazonClientSecret,
		authorizationURL: configuration.AuthorizationURL,
		tokenURL:         configuration.TokenURL,
		redirectURI:      configuration.RedirectURI,
		httpClient:       &http.Client{Timeout: defaultOAuthCallTimeout},
		callTimeout:      defaultOAuthCallTimeout,
	}
}

func (client *AmazonOAuthClient) oauthConfig(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     client.clientID,
		ClientSecret: client.clientSecret,
		RedirectURL:  client.redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   client.authorizationURL,
			TokenURL:  client.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// BuildAuthorizationURL returns the provider authorization URL together with
// a cryptographically random CSRF state bound to this attempt.
func (client *AmazonOAuthClient) BuildAuthorizationURL(requestedScopes []string) (string, string, error) {
	stateBytes := make([]byte, csrfStateByteLength)
	if _, randomErr := rand.Read(stateBytes); randomErr != nil {
		return "", "", fmt.Errorf("oauth.authorize_url: %w", randomErr)
	}
	csrfState := base64.RawURLEncoding.EncodeToString(stateBytes)
	return client.oauthConfig(requestedScopes).AuthCodeURL(csrfState), csrfState, nil
}

// ExchangeCode trades an authorization code for a token pair. The state
// comparison runs before any network call.
func (client *AmazonOAuthClient) ExchangeCode(ctx context.Context, code string, expectedState string, receivedState string) (*TokenPair, error) {
	if expectedState == "" || receivedState != expectedState {
		return nil, fmt.Errorf("oauth.exchange: %w", ErrStateMismatch)
	}
	callCtx, cancel := client.callContext(ctx)
	defer cancel()
	token, exchangeErr := client.oauthConfig(nil).Exchange(callCtx, code)
	if exchangeErr != nil {
		return nil, classifyProviderError("exchange", exchangeErr)
	}
	return tokenPairFromOAuth2(token), nil
}

// Refresh obtains a fresh token pair from a refresh token. An ErrInvalidGrant
// result means the refresh token itself is revoked or expired.
func (client *AmazonOAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	callCtx, cancel := client.callContext(ctx)
	defer cancel()
	source := client.oauthConfig(nil).TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken})
	token, refreshErr := source.Token()
	if refreshErr != nil {
		return nil, classifyProviderError("refresh", refreshErr)
	}
	return tokenPairFromOAuth2(token), nil
}

func (client *AmazonOAuthClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	withClient := context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
	return context.WithTimeout(withClient, client.callTimeout)
}

func tokenPairFromOAuth2(token *oauth2.Token) *TokenPair {
	pair := &TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}
	if scopeValue, ok := token.Extra("scope").(string); ok && scopeValue != "" {
		pair.Scope = strings.Fields(scopeValue)
	}
	return pair
}

// permanentGrantErrorCodes are provider error codes that no retry can fix.
var permanentGrantErrorCodes = map[string]struct{}{
	"invalid_grant":       {},
	"invalid_client":      {},
	"unauthorized_client": {},
}

// classifyProviderError maps a token-endpoint failure into the closed error
// taxonomy: ErrInvalidGrant for permanently rejected grants, and
// ErrTransientProvider for timeouts, 5xx, and rate limiting.
func classifyProviderError(stage string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if _, permanent := permanentGrantErrorCodes[strings.ToLower(retrieveErr.ErrorCode)]; permanent {
			return fmt.Errorf("oauth.%s: provider error %q: %w", stage, retrieveErr.ErrorCode, ErrInvalidGrant)
		}
		if retrieveErr.Response != nil {
			statusCode := retrieveErr.Response.StatusCode
			if statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError {
				return fmt.Errorf("oauth.%s: provider status %d: %w", stage, statusCode, ErrTransientProvider)
			}
			if statusCode == http.StatusBadRequest || statusCode == http.StatusUnauthorized {
				return fmt.Errorf("oauth.%s: provider status %d: %w", stage, statusCode, ErrInvalidGrant)
			}
		}
		return fmt.Errorf("oauth.%s: provider error %q: %w", stage, retrieveErr.ErrorCode, ErrTransientProvider)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("oauth.%s: timeout: %w", stage, ErrTransientProvider)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("oauth.%s: timeout: %w", stage, ErrTransientProvider)
	}
	return fmt.Errorf("oauth.%s: %v: %w", stage, err, ErrTransientProvider)
}
