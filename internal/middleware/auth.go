package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"eyecare/api/internal/config"
	"eyecare/api/internal/models"
	"eyecare/api/internal/security"
)

const identityKey = "identity"

// Auth verifies the bearer token issued by the auth service and stores the
// caller's identity on the context.
func Auth(cfg *config.AppConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := security.ParseIdentityToken(tokenStr, cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		c.Set(identityKey, claims.Identity())
		c.Next()
	}
}

// CurrentIdentity returns the identity stored by Auth.
func CurrentIdentity(c *gin.Context) (models.Identity, bool) {
	val, exists := c.Get(identityKey)
	if !exists {
		return models.Identity{}, false
	}
	identity, ok := val.(models.Identity)
	return identity, ok && identity.ID != ""
}
