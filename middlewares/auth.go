package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"storefront/utils"
)

const claimsKey = "claims"

// AuthMiddleware requires a valid bearer token and stores its claims on the
// context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		claims, err := utils.ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole must run after AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok || claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Next()
	}
}

func Claims(c *gin.Context) (utils.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return utils.Claims{}, false
	}
	claims, ok := v.(utils.Claims)
	return claims, ok
}

// SetClaims is used by handlers under test to skip token parsing.
func SetClaims(c *gin.Context, claims utils.Claims) {
	c.Set(claimsKey, claims)
}
