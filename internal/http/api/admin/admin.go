// Package admin exposes the operator HTTP surface: key diagnostics,
// manual disabling, and bulk rechecks.
package admin

import (
	"net/http"
	"strings"

	"github.com/Japgutter/keywarden/internal/config"
	"github.com/Japgutter/keywarden/internal/http/api/admin/handlers"
	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/Japgutter/keywarden/internal/security"
	"github.com/gin-gonic/gin"
)

// RegisterAdminRoutes registers operator routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, adminCfg config.AdminConfig, pools map[keypool.Vendor]keypool.Provider) {
	if r == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(pools)
	r.GET("/healthz", healthHandler.Healthz)

	adminGroup := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(adminCfg)
	adminGroup.POST("/login", authHandler.Login)

	authed := adminGroup.Group("")
	authed.Use(operatorAuthMiddleware(adminCfg))

	keysHandler := handlers.NewKeysHandler(pools)
	authed.GET("/keys", keysHandler.List)
	authed.GET("/availability", keysHandler.Availability)
	authed.POST("/keys/:hash/disable", keysHandler.Disable)
	authed.POST("/recheck", keysHandler.Recheck)
}

// operatorAuthMiddleware validates operator JWTs.
func operatorAuthMiddleware(adminCfg config.AdminConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		if _, errJWT := security.ParseOperatorToken(adminCfg.JWTSecret, token); errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
