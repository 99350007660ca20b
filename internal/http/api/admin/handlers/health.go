package handlers

import (
	"net/http"

	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/gin-gonic/gin"
)

// HealthHandler serves liveness checks.
type HealthHandler struct {
	pools map[keypool.Vendor]keypool.Provider
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(pools map[keypool.Vendor]keypool.Provider) *HealthHandler {
	return &HealthHandler{pools: pools}
}

// Healthz reports process liveness and per-vendor key availability.
func (h *HealthHandler) Healthz(c *gin.Context) {
	available := make(map[string]int, len(h.pools))
	for vendor, pool := range h.pools {
		available[string(vendor)] = pool.Available()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "keys_available": available})
}
