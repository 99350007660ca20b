package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Vendor identifies which upstream API a credential belongs to.
type Vendor string

// Supported vendors.
const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
)

// Family is a coarse model grouping used for token accounting.
type Family string

// Model families tracked per key.
const (
	FamilyTurbo  Family = "turbo"
	FamilyGPT4   Family = "gpt4"
	FamilyClaude Family = "claude"
)

// FamilyForModel maps a requested model name to its accounting family.
func FamilyForModel(vendor Vendor, model string) Family {
	if vendor == VendorAnthropic {
		return FamilyClaude
	}
	if strings.HasPrefix(model, "gpt-4") {
		return FamilyGPT4
	}
	return FamilyTurbo
}

// OpenAIFields holds OpenAI-specific key attributes observed by probes.
type OpenAIFields struct {
	IsTrial        bool    `json:"is_trial"`         // No payment method on file.
	HasGPT4        bool    `json:"has_gpt4"`         // Key can access GPT-4 tier models.
	SupportsChat   bool    `json:"supports_chat"`    // Key can use the chat completions endpoint.
	SoftLimitUSD   float64 `json:"soft_limit_usd"`   // Account soft quota limit.
	HardLimitUSD   float64 `json:"hard_limit_usd"`   // Account hard quota limit.
	SystemLimitUSD float64 `json:"system_limit_usd"` // Vendor-imposed quota ceiling.
}

// AnthropicFields holds Anthropic-specific key attributes observed by probes.
type AnthropicFields struct {
	RequiresPreamble bool   `json:"requires_preamble"` // Prompts must open with the human role marker.
	OutputAltered    bool   `json:"output_altered"`    // Vendor silently rewrites this key's output.
	Tier             string `json:"tier"`              // Vendor-reported account tier.
}

// Key is one pooled credential and its observed state. All mutation happens
// inside the owning Pool under its lock; code outside the pool only ever sees
// detached Snapshot copies.
type Key struct {
	Secret string
	Hash   string
	Vendor Vendor

	Disabled         bool
	LastUsed         time.Time
	LastChecked      time.Time
	RateLimitedAt    time.Time
	RateLimitedUntil time.Time

	PromptCount int64
	TokenCounts map[Family]int64

	OpenAI    *OpenAIFields
	Anthropic *AnthropicFields
}

// Snapshot is a detached deep copy of a Key, safe to read and hold outside
// the pool lock.
type Snapshot Key

// HashSecret derives the stable key identifier used in logs, lookups, and
// update calls in place of the secret itself.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

// NewKey builds a fresh, never-checked key record for a vendor.
func NewKey(vendor Vendor, secret string) Key {
	k := Key{
		Secret:      secret,
		Hash:        HashSecret(secret),
		Vendor:      vendor,
		TokenCounts: make(map[Family]int64),
	}
	switch vendor {
	case VendorOpenAI:
		k.OpenAI = &OpenAIFields{}
	case VendorAnthropic:
		k.Anthropic = &AnthropicFields{}
	}
	return k
}

// lockedOut reports whether the key is inside a lockout window at now.
func (k *Key) lockedOut(now time.Time) bool {
	return now.Before(k.RateLimitedUntil)
}

// degraded reports whether the vendor quality flag demotes this key.
func (k *Key) degraded() bool {
	return k.Anthropic != nil && k.Anthropic.OutputAltered
}

// clone returns a deep copy of the key record.
func (k *Key) clone() Key {
	out := *k
	if k.TokenCounts != nil {
		out.TokenCounts = make(map[Family]int64, len(k.TokenCounts))
		for family, count := range k.TokenCounts {
			out.TokenCounts[family] = count
		}
	}
	if k.OpenAI != nil {
		fields := *k.OpenAI
		out.OpenAI = &fields
	}
	if k.Anthropic != nil {
		fields := *k.Anthropic
		out.Anthropic = &fields
	}
	return out
}

// snapshot returns a detached copy of the key record.
func (k *Key) snapshot() Snapshot {
	return Snapshot(k.clone())
}

// Patch carries partial field updates pushed into a pool, typically by the
// background checker. Nil fields are left untouched.
type Patch struct {
	Disabled    *bool
	LastChecked *time.Time

	// OpenAI payload fields.
	IsTrial        *bool
	HasGPT4        *bool
	SupportsChat   *bool
	SoftLimitUSD   *float64
	HardLimitUSD   *float64
	SystemLimitUSD *float64

	// Anthropic payload fields.
	RequiresPreamble *bool
	OutputAltered    *bool
	Tier             *string
}

// apply merges the patch into the key record.
func (p *Patch) apply(k *Key) {
	if p.Disabled != nil {
		k.Disabled = *p.Disabled
	}
	if k.OpenAI != nil {
		if p.IsTrial != nil {
			k.OpenAI.IsTrial = *p.IsTrial
		}
		if p.HasGPT4 != nil {
			k.OpenAI.HasGPT4 = *p.HasGPT4
		}
		if p.SupportsChat != nil {
			k.OpenAI.SupportsChat = *p.SupportsChat
		}
		if p.SoftLimitUSD != nil {
			k.OpenAI.SoftLimitUSD = *p.SoftLimitUSD
		}
		if p.HardLimitUSD != nil {
			k.OpenAI.HardLimitUSD = *p.HardLimitUSD
		}
		if p.SystemLimitUSD != nil {
			k.OpenAI.SystemLimitUSD = *p.SystemLimitUSD
		}
	}
	if k.Anthropic != nil {
		if p.RequiresPreamble != nil {
			k.Anthropic.RequiresPreamble = *p.RequiresPreamble
		}
		if p.OutputAltered != nil {
			k.Anthropic.OutputAltered = *p.OutputAltered
		}
		if p.Tier != nil {
			k.Anthropic.Tier = *p.Tier
		}
	}
}
