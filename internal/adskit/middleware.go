package adskit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const authUserIDContextKey = "auth_user_id"

// SessionClaims are the claims minted by the external identity layer.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// RequireSession validates the HS256 session token from the Authorization
// header or session cookie and injects the user id into the request context.
func RequireSession(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		tokenValue := bearerToken(contextGin.Request)
		if tokenValue == "" {
			sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName)
			if cookieErr != nil || sessionCookie == nil {
				contextGin.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			tokenValue = sessionCookie.Value
		}
		if tokenValue == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		parsedToken, parseErr := jwt.ParseWithClaims(tokenValue, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
			return configuration.SessionSigningKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, ok := parsedToken.Claims.(*SessionClaims)
		if !ok || claims.Issuer != configuration.SessionIssuer || claims.UserID == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(authUserIDContextKey, claims.UserID)
		contextGin.Next()
	}
}

func bearerToken(request *http.Request) string {
	headerValue := request.Header.Get("Authorization")
	if headerValue == "" {
		return ""
	}
	scheme, token, found := strings.Cut(headerValue, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func authenticatedUserID(contextGin *gin.Context) string {
	userID, _ := contextGin.Get(authUserIDContextKey)
	value, _ := userID.(string)
	return value
}
