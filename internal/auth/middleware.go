package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyAdminEmail is the gin context key for the authenticated operator.
const ContextKeyAdminEmail = "admin_email"

// Middleware guards admin routes with a Bearer token.
func Middleware(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := service.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyAdminEmail, claims.Email)
		c.Next()
	}
}

// AdminEmail extracts the authenticated operator from the gin context.
func AdminEmail(c *gin.Context) string {
	if email, exists := c.Get(ContextKeyAdminEmail); exists {
		return email.(string)
	}
	return ""
}
