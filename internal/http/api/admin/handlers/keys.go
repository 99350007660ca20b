package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/gin-gonic/gin"
)

// KeysHandler serves key diagnostics and administrative actions.
type KeysHandler struct {
	pools map[keypool.Vendor]keypool.Provider
}

// NewKeysHandler constructs a KeysHandler over the vendor pools.
func NewKeysHandler(pools map[keypool.Vendor]keypool.Provider) *KeysHandler {
	return &KeysHandler{pools: pools}
}

// keyView is the redacted key representation returned to operators.
type keyView struct {
	Hash             string                   `json:"hash"`
	Vendor           string                   `json:"vendor"`
	Disabled         bool                     `json:"disabled"`
	LastUsed         *time.Time               `json:"last_used,omitempty"`
	LastChecked      *time.Time               `json:"last_checked,omitempty"`
	RateLimitedAt    *time.Time               `json:"rate_limited_at,omitempty"`
	RateLimitedUntil *time.Time               `json:"rate_limited_until,omitempty"`
	PromptCount      int64                    `json:"prompt_count"`
	TokenCounts      map[keypool.Family]int64 `json:"token_counts,omitempty"`
	OpenAI           *keypool.OpenAIFields    `json:"openai,omitempty"`
	Anthropic        *keypool.AnthropicFields `json:"anthropic,omitempty"`
}

// toView converts a snapshot to its operator representation.
func toView(snap keypool.Snapshot) keyView {
	view := keyView{
		Hash:        snap.Hash,
		Vendor:      string(snap.Vendor),
		Disabled:    snap.Disabled,
		PromptCount: snap.PromptCount,
		TokenCounts: snap.TokenCounts,
		OpenAI:      snap.OpenAI,
		Anthropic:   snap.Anthropic,
	}
	view.LastUsed = optionalTime(snap.LastUsed)
	view.LastChecked = optionalTime(snap.LastChecked)
	view.RateLimitedAt = optionalTime(snap.RateLimitedAt)
	view.RateLimitedUntil = optionalTime(snap.RateLimitedUntil)
	return view
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// List returns every key, secrets redacted, optionally filtered by vendor.
func (h *KeysHandler) List(c *gin.Context) {
	vendorFilter := strings.TrimSpace(c.Query("vendor"))

	views := make([]keyView, 0)
	for vendor, pool := range h.pools {
		if vendorFilter != "" && vendorFilter != string(vendor) {
			continue
		}
		for _, snap := range pool.List() {
			views = append(views, toView(snap))
		}
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

// vendorAvailability summarizes one pool's admission state.
type vendorAvailability struct {
	Available     int   `json:"available"`
	LockoutMillis int64 `json:"lockout_ms"`
	TotalKeys     int   `json:"total_keys"`
	DisabledKeys  int   `json:"disabled_keys"`
}

// Availability reports per-vendor pool state for admission diagnostics.
func (h *KeysHandler) Availability(c *gin.Context) {
	model := strings.TrimSpace(c.Query("model"))

	out := make(map[string]vendorAvailability, len(h.pools))
	for vendor, pool := range h.pools {
		snaps := pool.List()
		disabled := 0
		for _, snap := range snaps {
			if snap.Disabled {
				disabled++
			}
		}
		out[string(vendor)] = vendorAvailability{
			Available:     pool.Available(),
			LockoutMillis: pool.LockoutPeriod(model).Milliseconds(),
			TotalKeys:     len(snaps),
			DisabledKeys:  disabled,
		}
	}
	c.JSON(http.StatusOK, out)
}

// Disable terminally retires a key by hash. Unknown hashes succeed
// silently, matching the pool contract.
func (h *KeysHandler) Disable(c *gin.Context) {
	hash := strings.TrimSpace(c.Param("hash"))
	if hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key hash"})
		return
	}
	for _, pool := range h.pools {
		pool.Disable(hash)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Recheck resets every pool and wakes the checkers.
func (h *KeysHandler) Recheck(c *gin.Context) {
	for _, pool := range h.pools {
		pool.Recheck()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
