package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const CtxClaimsKey = "auth_claims"

// VersionStore reports an operator's current token version.
type VersionStore interface {
	Get(ctx context.Context, operator string) (int, error)
}

func AuthMiddleware(tokens TokenService, versions VersionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		raw := ""
		switch {
		case len(h) > 7 && strings.EqualFold(h[:7], "bearer "):
			raw = strings.TrimSpace(h[7:])
		case c.Query("access_token") != "":
			// browsers cannot set headers on websocket upgrades
			raw = c.Query("access_token")
		}
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}

		claims, err := tokens.Parse(raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		if versions != nil {
			current, err := versions.Get(c.Request.Context(), claims.Operator)
			if err != nil || current != claims.TokenVersion {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				c.Abort()
				return
			}
		}

		c.Set(CtxClaimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects callers whose token does not carry role. Operators
// may do everything viewers may.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := MustGetClaims(c)
		if claims == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if claims.Role != role && claims.Role != RoleOperator {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func MustGetClaims(c *gin.Context) *Claims {
	v, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}
