package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "auth_user_id"
	authTokenContextKey = "auth_token"
)

// Middleware resolves the caller from a bearer header or the session cookie.
// The header wins when both are present.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, source := s.credentials(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			s.logger.Error("validate token failed", zap.String("source", source), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not verify token"})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Set(authTokenContextKey, token)
		c.Next()
	}
}

// UserIDFromContext returns the user resolved by Middleware.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	userID, ok := c.Value(userIDContextKey).(int64)
	return userID, ok
}

// AuthTokenFromContext returns the token Middleware validated, so logout can
// revoke exactly that one.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	token, ok := c.Value(authTokenContextKey).(string)
	return token, ok && token != ""
}

func (s *Service) credentials(c *gin.Context) (token, source string) {
	if header := c.GetHeader(s.headerName); hasBearer(header) {
		return strings.TrimSpace(header[len("bearer "):]), "header"
	}
	if cookie, err := c.Cookie(s.cookieName); err == nil && cookie != "" {
		return cookie, "cookie"
	}
	return "", ""
}
