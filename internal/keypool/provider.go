package keypool

import (
	"errors"
	"time"
)

// ErrNoKeysAvailable is returned by Get when every key in the pool is
// disabled or the pool is empty.
var ErrNoKeysAvailable = errors.New("keypool: no keys available")

// Provider is the capability surface the request-routing layer depends on.
// One instance exists per vendor; implementations must make every call an
// atomic transaction against the vendor's key list.
type Provider interface {
	// Get selects the best available key for the requested model and stamps
	// its last-used time plus a short defensive lockout window.
	Get(model string) (Snapshot, error)
	// List returns every key with its secret redacted.
	List() []Snapshot
	// Available returns the count of non-disabled keys.
	Available() int
	// LockoutPeriod returns 0 when any non-disabled key is usable now,
	// otherwise the time until the soonest-expiring lockout.
	LockoutPeriod(model string) time.Duration
	// Disable terminally retires the key with the given hash. Unknown or
	// already-disabled hashes are ignored.
	Disable(hash string)
	// Update merges partial fields into the key with the given hash and
	// stamps its last-checked time unless the patch supplies one. Unknown
	// hashes are ignored.
	Update(hash string, patch Patch)
	// IncrementUsage adds to the key's prompt count and the token counter
	// for the model's family. Unknown hashes are ignored.
	IncrementUsage(hash, model string, tokens int64)
	// MarkRateLimited opens the confirmed lockout window after an upstream
	// too-many-requests response. Unknown hashes are ignored.
	MarkRateLimited(hash string)
	// Recheck clears disabled and quality flags on every key, resets their
	// checked state, and wakes the background checker.
	Recheck()
}

// Waker is the hook a pool uses to nudge its background checker after a
// bulk recheck.
type Waker interface {
	Wake()
}
