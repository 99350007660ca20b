// Package store loads vendor credential sets at startup and persists their
// observed state. The pools themselves never call save on their critical
// path; a periodic flusher writes the whole set instead.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/Japgutter/keywarden/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store loads one vendor's credential set and persists observed state.
type Store interface {
	Load(ctx context.Context) ([]keypool.Key, error)
	Flush(ctx context.Context, records []keypool.Key) error
}

// GormKeyStore persists key records for one vendor via GORM.
type GormKeyStore struct {
	db     *gorm.DB
	vendor keypool.Vendor
}

// NewGormKeyStore constructs a GormKeyStore bound to a vendor.
func NewGormKeyStore(db *gorm.DB, vendor keypool.Vendor) *GormKeyStore {
	return &GormKeyStore{db: db, vendor: vendor}
}

// Load reads the vendor's key rows in insertion order.
func (s *GormKeyStore) Load(ctx context.Context) ([]keypool.Key, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("key store: not initialized")
	}

	var rows []models.ProviderKey
	if errFind := s.db.WithContext(ctx).
		Where("vendor = ?", string(s.vendor)).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("key store: load: %w", errFind)
	}

	keys := make([]keypool.Key, 0, len(rows))
	for i := range rows {
		keys = append(keys, rowToKey(&rows[i], s.vendor))
	}
	return keys, nil
}

// Flush upserts the whole record set, keyed by hash.
func (s *GormKeyStore) Flush(ctx context.Context, records []keypool.Key) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("key store: not initialized")
	}

	for i := range records {
		row, errRow := keyToRow(&records[i])
		if errRow != nil {
			return errRow
		}
		if errUpsert := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "hash"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"disabled",
				"last_used",
				"last_checked",
				"rate_limited_at",
				"rate_limited_until",
				"prompt_count",
				"token_counts",
				"vendor_fields",
				"updated_at",
			}),
		}).Create(row).Error; errUpsert != nil {
			return fmt.Errorf("key store: upsert %s: %w", records[i].Hash, errUpsert)
		}
	}
	return nil
}

// rowToKey converts a database row into an in-memory record.
func rowToKey(row *models.ProviderKey, vendor keypool.Vendor) keypool.Key {
	k := keypool.NewKey(vendor, row.Secret)
	k.Disabled = row.Disabled
	k.LastUsed = fromTimePtr(row.LastUsed)
	k.LastChecked = fromTimePtr(row.LastChecked)
	k.RateLimitedAt = fromTimePtr(row.RateLimitedAt)
	k.RateLimitedUntil = fromTimePtr(row.RateLimitedUntil)
	k.PromptCount = row.PromptCount
	if len(row.TokenCounts) > 0 {
		_ = json.Unmarshal(row.TokenCounts, &k.TokenCounts)
	}
	if k.TokenCounts == nil {
		k.TokenCounts = make(map[keypool.Family]int64)
	}
	if len(row.VendorFields) > 0 {
		switch vendor {
		case keypool.VendorOpenAI:
			_ = json.Unmarshal(row.VendorFields, k.OpenAI)
		case keypool.VendorAnthropic:
			_ = json.Unmarshal(row.VendorFields, k.Anthropic)
		}
	}
	return k
}

// keyToRow converts an in-memory record into a database row.
func keyToRow(k *keypool.Key) (*models.ProviderKey, error) {
	counts, errCounts := json.Marshal(k.TokenCounts)
	if errCounts != nil {
		return nil, fmt.Errorf("key store: marshal token counts: %w", errCounts)
	}

	var payload []byte
	var errPayload error
	switch {
	case k.OpenAI != nil:
		payload, errPayload = json.Marshal(k.OpenAI)
	case k.Anthropic != nil:
		payload, errPayload = json.Marshal(k.Anthropic)
	}
	if errPayload != nil {
		return nil, fmt.Errorf("key store: marshal vendor fields: %w", errPayload)
	}

	now := time.Now().UTC()
	row := &models.ProviderKey{
		Vendor:           string(k.Vendor),
		Secret:           k.Secret,
		Hash:             k.Hash,
		Disabled:         k.Disabled,
		LastUsed:         toTimePtr(k.LastUsed),
		LastChecked:      toTimePtr(k.LastChecked),
		RateLimitedAt:    toTimePtr(k.RateLimitedAt),
		RateLimitedUntil: toTimePtr(k.RateLimitedUntil),
		PromptCount:      k.PromptCount,
		TokenCounts:      datatypes.JSON(counts),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if payload != nil {
		row.VendorFields = datatypes.JSON(payload)
	}
	return row, nil
}

func toTimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	out := t
	return &out
}

func fromTimePtr(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
