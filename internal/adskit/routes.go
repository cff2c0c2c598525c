package adskit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const oauthStateCookieName = "amazon_oauth_state"

// RouteDeps carries the collaborators the route layer dispatches into. All
// algorithmic work happens in the components; handlers translate errors to
// transport codes.
type RouteDeps struct {
	OAuth     OAuthClient
	Tokens    TokenStore
	Accounts  AccountStore
	States    StateStore
	Cipher    *TokenCipher
	Scheduler *RefreshScheduler
	Sync      *SyncEngine
	Clock     Clock
	Logger    *zap.Logger
}

// MountRoutes registers the credential and account endpoints. Every route
// requires an authenticated session.
func MountRoutes(router gin.IRouter, configuration ServerConfig, deps RouteDeps) {
	authenticated := router.Group("/", RequireSession(configuration))

	authenticated.GET("/auth/amazon/login", func(contextGin *gin.Context) {
		authorizeURL, csrfState, buildErr := deps.OAuth.BuildAuthorizationURL(configuration.RequestedScopes)
		if buildErr != nil {
			deps.Logger.Error("building authorization url failed", zap.Error(buildErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if saveErr := deps.States.Save(contextGin, csrfState); saveErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		writeStateCookie(contextGin, configuration, csrfState)
		contextGin.JSON(http.StatusOK, gin.H{"authorize_url": authorizeURL})
	})

	authenticated.GET("/auth/amazon/callback", func(contextGin *gin.Context) {
		userID := authenticatedUserID(contextGin)
		receivedState := contextGin.Query("state")
		code := contextGin.Query("code")
		if providerError := contextGin.Query("error"); providerError != "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "authorization_denied", "provider_error": providerError})
			return
		}
		if strings.TrimSpace(code) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
			return
		}

		expectedState := ""
		if stateCookie, cookieErr := contextGin.Request.Cookie(oauthStateCookieName); cookieErr == nil && stateCookie != nil {
			expectedState = stateCookie.Value
		}
		clearStateCookie(contextGin, configuration)
		if consumeErr := deps.States.Consume(contextGin, receivedState); consumeErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "state_mismatch"})
			return
		}

		pair, exchangeErr := deps.OAuth.ExchangeCode(contextGin, code, expectedState, receivedState)
		if exchangeErr != nil {
			switch {
			case errors.Is(exchangeErr, ErrStateMismatch):
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "state_mismatch"})
			case errors.Is(exchangeErr, ErrInvalidGrant):
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
			default:
				contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable"})
			}
			return
		}

		accessCiphertext, encryptAccessErr := deps.Cipher.Encrypt(pair.AccessToken)
		if encryptAccessErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		refreshCiphertext, encryptRefreshErr := deps.Cipher.Encrypt(pair.RefreshToken)
		if encryptRefreshErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		scope := pair.Scope
		if len(scope) == 0 {
			scope = configuration.RequestedScopes
		}
		record := &TokenRecord{
			UserID:                 userID,
			AccessTokenCiphertext:  accessCiphertext,
			RefreshTokenCiphertext: refreshCiphertext,
			Scope:                  scope,
			ExpiresAt:              pair.ExpiresAt,
			Status:                 TokenStatusActive,
		}
		if putErr := deps.Tokens.Put(contextGin, record); putErr != nil {
			deps.Logger.Error("persisting token record failed", zap.String("user_id", userID), zap.Error(putErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"authenticated": true,
			"expires_at":    record.ExpiresAt,
			"scope":         record.Scope,
		})
	})

	authenticated.GET("/auth/amazon/status", func(contextGin *gin.Context) {
		report, statusErr := deps.Scheduler.TokenStatus(contextGin, authenticatedUserID(contextGin))
		if statusErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, report)
	})

	authenticated.POST("/auth/amazon/refresh", func(contextGin *gin.Context) {
		userID := authenticatedUserID(contextGin)
		refreshErr := deps.Scheduler.TriggerManualRefresh(contextGin, userID)
		switch {
		case refreshErr == nil:
		case errors.Is(refreshErr, ErrTokenNotFound):
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_authenticated"})
			return
		case errors.Is(refreshErr, ErrRefreshInFlight):
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "refresh_in_flight"})
			return
		case errors.Is(refreshErr, ErrInvalidGrant):
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "reauth_required"})
			return
		default:
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable"})
			return
		}
		report, statusErr := deps.Scheduler.TokenStatus(contextGin, userID)
		if statusErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, report)
	})

	authenticated.POST("/accounts/sync", func(contextGin *gin.Context) {
		userID := authenticatedUserID(contextGin)
		options := SyncOptions{DeleteStale: contextGin.Query("delete_stale") == "true"}
		summary, syncErr := deps.Sync.RunSync(contextGin, userID, options)
		if syncErr != nil {
			if errors.Is(syncErr, ErrTokenNotFound) || errors.Is(syncErr, ErrInvalidGrant) {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "reauth_required"})
				return
			}
			deps.Logger.Error("sync pass failed", zap.String("user_id", userID), zap.Error(syncErr))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable"})
			return
		}
		contextGin.JSON(http.StatusOK, summary)
	})

	authenticated.GET("/accounts", func(contextGin *gin.Context) {
		accountType, ok := parseAccountType(contextGin.Query("type"))
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_account_type"})
			return
		}
		records, listErr := deps.Accounts.List(contextGin, authenticatedUserID(contextGin), accountType)
		if listErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"accounts": accountViews(records)})
	})

	authenticated.PATCH("/accounts/:account_type/:external_id/managed", func(contextGin *gin.Context) {
		accountType, ok := parseAccountType(contextGin.Param("account_type"))
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_account_type"})
			return
		}
		var inbound struct {
			Managed *bool `json:"managed"`
		}
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil || inbound.Managed == nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		setErr := deps.Accounts.SetManaged(contextGin, authenticatedUserID(contextGin), accountType, contextGin.Param("external_id"), *inbound.Managed)
		if setErr != nil {
			if errors.Is(setErr, ErrAccountNotFound) {
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
				return
			}
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

func parseAccountType(raw string) (AccountType, bool) {
	switch AccountType(raw) {
	case AccountTypeSponsoredAds, AccountTypeDSP, AccountTypeAMC:
		return AccountType(raw), true
	default:
		return "", false
	}
}

type accountView struct {
	AccountType    AccountType  `json:"account_type"`
	ExternalID     string       `json:"external_id"`
	DisplayName    string       `json:"display_name"`
	Managed        bool         `json:"managed"`
	Stale          bool         `json:"stale"`
	SharedEntityID string       `json:"shared_entity_id,omitempty"`
	Relationships  []AccountRef `json:"relationships,omitempty"`
	LastSyncedAt   time.Time    `json:"last_synced_at"`
}

func accountViews(records []AccountRecord) []accountView {
	views := make([]accountView, 0, len(records))
	for _, record := range records {
		views = append(views, accountView{
			AccountType:    record.AccountType,
			ExternalID:     record.ExternalID,
			DisplayName:    record.DisplayName,
			Managed:        record.Managed,
			Stale:          record.Stale,
			SharedEntityID: record.SharedEntityID,
			Relationships:  record.Relationships,
			LastSyncedAt:   record.LastSyncedAt,
		})
	}
	return views
}

func writeStateCookie(contextGin *gin.Context, configuration ServerConfig, csrfState string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    csrfState,
		Path:     "/auth/amazon",
		Expires:  time.Now().Add(configuration.StateTTL),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearStateCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     "/auth/amazon",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
