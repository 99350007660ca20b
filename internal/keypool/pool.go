package keypool

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Default lockout tunings, overridable per vendor via Options.
const (
	// DefaultReuseDelay is the defensive lockout opened on every selection.
	DefaultReuseDelay = 1 * time.Second
	// DefaultRateLimitLockout is the confirmed lockout opened after an
	// upstream too-many-requests response.
	DefaultRateLimitLockout = 10 * time.Second
)

// Options tune a vendor pool.
type Options struct {
	Vendor           Vendor
	ReuseDelay       time.Duration
	RateLimitLockout time.Duration
	Now              func() time.Time
}

// Pool owns one vendor's key list. It implements Provider; every entry point
// completes under a single mutex so selection, traffic callbacks, and checker
// updates never observe a half-applied mutation.
type Pool struct {
	vendor           Vendor
	reuseDelay       time.Duration
	rateLimitLockout time.Duration
	now              func() time.Time

	mu   sync.Mutex
	keys []*Key

	wakerMu sync.Mutex
	waker   Waker
}

// New constructs an empty pool for a vendor.
func New(opts Options) *Pool {
	if opts.ReuseDelay <= 0 {
		opts.ReuseDelay = DefaultReuseDelay
	}
	if opts.RateLimitLockout <= 0 {
		opts.RateLimitLockout = DefaultRateLimitLockout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		vendor:           opts.Vendor,
		reuseDelay:       opts.ReuseDelay,
		rateLimitLockout: opts.RateLimitLockout,
		now:              opts.Now,
	}
}

// Vendor returns the vendor this pool serves.
func (p *Pool) Vendor() Vendor {
	return p.vendor
}

// Load seeds the pool with its initial key set. Records with duplicate
// hashes are skipped. The list is append-only after this point; retirement
// happens through Disable, never removal.
func (p *Pool) Load(keys []Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(p.keys))
	for _, existing := range p.keys {
		seen[existing.Hash] = struct{}{}
	}
	for i := range keys {
		k := keys[i].clone()
		if k.Hash == "" {
			k.Hash = HashSecret(k.Secret)
		}
		if _, dup := seen[k.Hash]; dup {
			log.Warnf("keypool: skipping duplicate %s key %s", p.vendor, k.Hash)
			continue
		}
		if k.TokenCounts == nil {
			k.TokenCounts = make(map[Family]int64)
		}
		seen[k.Hash] = struct{}{}
		p.keys = append(p.keys, &k)
	}
	log.Infof("keypool: loaded %d %s keys", len(p.keys), p.vendor)
}

// AttachChecker registers the background checker woken by Recheck.
func (p *Pool) AttachChecker(w Waker) {
	p.wakerMu.Lock()
	p.waker = w
	p.wakerMu.Unlock()
}

// Get implements Provider.
func (p *Pool) Get(model string) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	eligible := make([]*Key, 0, len(p.keys))
	for _, k := range p.keys {
		if !k.Disabled {
			eligible = append(eligible, k)
		}
	}
	if len(eligible) == 0 {
		return Snapshot{}, ErrNoKeysAvailable
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return rankBefore(eligible[i], eligible[j], now)
	})

	selected := eligible[0]
	selected.LastUsed = now
	// Throttle immediate re-selection of the same key before an upstream
	// response could plausibly have been observed.
	selected.RateLimitedAt = now
	selected.RateLimitedUntil = now.Add(p.reuseDelay)
	return selected.snapshot(), nil
}

// rankBefore orders keys for selection: usable before locked out, then
// longest-waiting lockouts first, then non-degraded output, then least
// recently used.
func rankBefore(a, b *Key, now time.Time) bool {
	aLocked, bLocked := a.lockedOut(now), b.lockedOut(now)
	if aLocked != bLocked {
		return !aLocked
	}
	if aLocked {
		if !a.RateLimitedAt.Equal(b.RateLimitedAt) {
			return a.RateLimitedAt.Before(b.RateLimitedAt)
		}
		return a.LastUsed.Before(b.LastUsed)
	}
	aDegraded, bDegraded := a.degraded(), b.degraded()
	if aDegraded != bDegraded {
		return !aDegraded
	}
	return a.LastUsed.Before(b.LastUsed)
}

// List implements Provider. Secrets are redacted.
func (p *Pool) List() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.keys))
	for _, k := range p.keys {
		snap := k.snapshot()
		snap.Secret = ""
		out = append(out, snap)
	}
	return out
}

// Export returns deep copies of every record including secrets, for the
// background checker and the persistence flusher.
func (p *Pool) Export() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Key, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, k.clone())
	}
	return out
}

// Available implements Provider.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, k := range p.keys {
		if !k.Disabled {
			count++
		}
	}
	return count
}

// Disabled counts terminally retired keys.
func (p *Pool) Disabled() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, k := range p.keys {
		if k.Disabled {
			count++
		}
	}
	return count
}

// LockoutPeriod implements Provider. An empty pool reports 0 so upstream
// admission logic cannot deadlock waiting on keys that do not exist.
func (p *Pool) LockoutPeriod(model string) time.Duration {
	_ = model
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	anyEnabled := false
	var soonest time.Duration
	for _, k := range p.keys {
		if k.Disabled {
			continue
		}
		if !k.lockedOut(now) {
			return 0
		}
		remaining := k.RateLimitedUntil.Sub(now)
		if !anyEnabled || remaining < soonest {
			soonest = remaining
		}
		anyEnabled = true
	}
	if !anyEnabled {
		return 0
	}
	return soonest
}

// Disable implements Provider.
func (p *Pool) Disable(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil || k.Disabled {
		return
	}
	k.Disabled = true
	log.Warnf("keypool: disabled %s key %s", p.vendor, hash)
}

// Update implements Provider.
func (p *Pool) Update(hash string, patch Patch) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		// Benign race with a key-set reload; nothing to update.
		return
	}
	patch.apply(k)
	if patch.LastChecked != nil {
		k.LastChecked = *patch.LastChecked
	} else {
		k.LastChecked = p.now()
	}
}

// IncrementUsage implements Provider.
func (p *Pool) IncrementUsage(hash, model string, tokens int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return
	}
	k.PromptCount++
	k.TokenCounts[FamilyForModel(p.vendor, model)] += tokens
}

// MarkRateLimited implements Provider.
func (p *Pool) MarkRateLimited(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return
	}
	now := p.now()
	k.RateLimitedAt = now
	k.RateLimitedUntil = now.Add(p.rateLimitLockout)
}

// Recheck implements Provider. Every key is restored to the never-checked
// state; the checker is woken after the pool lock is released.
func (p *Pool) Recheck() {
	p.mu.Lock()
	for _, k := range p.keys {
		k.Disabled = false
		if k.Anthropic != nil {
			k.Anthropic.OutputAltered = false
		}
		k.LastChecked = time.Time{}
	}
	total := len(p.keys)
	p.mu.Unlock()

	log.Infof("keypool: recheck requested for %d %s keys", total, p.vendor)

	p.wakerMu.Lock()
	w := p.waker
	p.wakerMu.Unlock()
	if w != nil {
		w.Wake()
	}
}

// find returns the record with the given hash, or nil. Caller holds p.mu.
func (p *Pool) find(hash string) *Key {
	for _, k := range p.keys {
		if k.Hash == hash {
			return k
		}
	}
	return nil
}
