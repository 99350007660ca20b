package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProviderKey stores one pooled vendor credential and its observed state.
type ProviderKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Vendor string `gorm:"type:varchar(32);not null;index"`       // Vendor identifier.
	Secret string `gorm:"type:text;not null"`                    // Credential value.
	Hash   string `gorm:"type:varchar(64);uniqueIndex;not null"` // Stable identifier derived from the secret.

	Disabled         bool       `gorm:"not null;default:false"` // Terminal retirement flag.
	LastUsed         *time.Time // Last selection for outbound traffic.
	LastChecked      *time.Time // Last completed health probe.
	RateLimitedAt    *time.Time // Lockout window start.
	RateLimitedUntil *time.Time // Lockout window end.

	PromptCount  int64          `gorm:"not null;default:0"` // Prompts served.
	TokenCounts  datatypes.JSON `gorm:"type:jsonb"`         // Token counters per model family.
	VendorFields datatypes.JSON `gorm:"type:jsonb"`         // Vendor-specific payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
