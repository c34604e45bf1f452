package middleware

import (
	"errors"
	"net/http"
	"strings"

	"tasksync/backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

// UserIDKey is the gin context key holding the authenticated user's id.
const UserIDKey = "user_id"

type TokenVerifier interface {
	VerifyToken(token string) (uuid.UUID, error)
}

// AuthMiddleware accepts "Authorization: Bearer <token>" and stores the user id
// under UserIDKey. Any other request is answered with 401.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Authorization header is required")
			return
		}

		tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || strings.TrimSpace(tokenStr) == "" {
			abortUnauthorized(c, "Authorization header must use Bearer token")
			return
		}

		userID, err := verifier.VerifyToken(strings.TrimSpace(tokenStr))
		if err != nil {
			if errors.Is(err, services.ErrExpiredToken) {
				abortUnauthorized(c, "Token has expired")
				return
			}
			abortUnauthorized(c, "Token validation failed")
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// UserID returns the id stored by AuthMiddleware.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && !id.IsNil()
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
}
