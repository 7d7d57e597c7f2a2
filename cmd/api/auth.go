package main

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/apperr"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/auth"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/middleware"
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// authMiddleware rejects requests without a valid bearer token before they
// reach a handler and stores the caller identity in the gin context.
func authMiddleware(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			abortUnauthorized(c, "invalid token")
			return
		}

		claims, err := v.VerifyToken(token)
		if err != nil {
			log.Debug("rejected bearer token", "err", err)
			abortUnauthorized(c, "unauthenticated")
			return
		}

		c.Set(middleware.ContextKeyUserID, claims.UserID)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, apperr.Unauthorized(msg))
}

// callerID returns the authenticated caller identity.
func callerID(c *gin.Context) string {
	return c.GetString(middleware.ContextKeyUserID)
}
