package middleware

import (
	"net/http"
	"strings"

	"buildappswith/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Context keys set by JWTAuthMiddleware.
const (
	ContextUserID = "userID"
	ContextClaims = "claims"
)

// JWTAuthMiddleware verifies a bearer token issued by the identity service and
// stores the caller's id and roles on the context. With optional set, requests
// without an Authorization header pass through anonymously; a bad token is
// still rejected.
func JWTAuthMiddleware(secret []byte, optional bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" && optional {
			c.Next()
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid Authorization header"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := utils.ParseClaims(secret, tokenString)
		if err != nil {
			zap.L().Debug("Rejected access token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(ContextUserID, claims.Subject)
		c.Set(ContextClaims, claims)
		if l, ok := c.Get("logger"); ok {
			if logger, ok := l.(*zap.Logger); ok {
				c.Set("logger", logger.With(zap.String("userId", claims.Subject)))
			}
		}
		c.Next()
	}
}

// CallerClaims returns the authenticated caller, if any.
func CallerClaims(c *gin.Context) (utils.TokenClaims, bool) {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return utils.TokenClaims{}, false
	}
	claims, ok := v.(utils.TokenClaims)
	return claims, ok
}
