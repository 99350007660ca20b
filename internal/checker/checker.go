// Package checker continuously verifies pooled vendor keys in the
// background and pushes results back into the owning pool through its
// update/disable entry points.
package checker

import (
	"context"
	"sync"
	"time"

	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/Japgutter/keywarden/internal/metrics"
	"github.com/Japgutter/keywarden/internal/probe"
	log "github.com/sirupsen/logrus"
)

// Default scheduling tunings, overridable via Config.
const (
	// DefaultRecheckPeriod bounds how often any single key is re-verified.
	DefaultRecheckPeriod = 1 * time.Hour
	// DefaultMinInterval spaces out probes across the whole pool.
	DefaultMinInterval = 3 * time.Second
	// DefaultStartupBatch caps the concurrent fan-out of first-time checks.
	DefaultStartupBatch = 12
	// DefaultStartupDelay precedes each startup batch.
	DefaultStartupDelay = 1 * time.Second
	// DefaultRateLimitRetryDelay re-probes keys that failed only on
	// request rate.
	DefaultRateLimitRetryDelay = 15 * time.Second
)

// Config tunes a vendor checker.
type Config struct {
	RecheckPeriod       time.Duration
	MinInterval         time.Duration
	StartupBatch        int
	StartupDelay        time.Duration
	RateLimitRetryDelay time.Duration
	Now                 func() time.Time
}

// withDefaults fills zero fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.RecheckPeriod <= 0 {
		c.RecheckPeriod = DefaultRecheckPeriod
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.StartupBatch <= 0 {
		c.StartupBatch = DefaultStartupBatch
	}
	if c.StartupDelay <= 0 {
		c.StartupDelay = DefaultStartupDelay
	}
	if c.RateLimitRetryDelay <= 0 {
		c.RateLimitRetryDelay = DefaultRateLimitRetryDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// KeySource is the checker's window into its pool. Export returns detached
// record copies; Update and Disable route every mutation back through the
// pool's lock.
type KeySource interface {
	Export() []keypool.Key
	Update(hash string, patch keypool.Patch)
	Disable(hash string)
}

// Checker schedules key probes for one vendor. A single pending timer
// exists at any moment; recomputing the schedule always cancels it first,
// so a key disabled mid-flight or a pool reset by a bulk recheck is
// reflected in the next decision.
type Checker struct {
	vendor keypool.Vendor
	cfg    Config
	keys   KeySource
	probe  probe.Client
	now    func() time.Time

	mu        sync.Mutex
	timer     *time.Timer
	lastProbe time.Time
	started   bool
	stopped   bool
}

// New constructs a checker for one vendor pool.
func New(vendor keypool.Vendor, keys KeySource, client probe.Client, cfg Config) *Checker {
	cfg = cfg.withDefaults()
	return &Checker{
		vendor: vendor,
		cfg:    cfg,
		keys:   keys,
		probe:  client,
		now:    cfg.Now,
	}
}

// Start arms the first schedule. Safe to call once.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	log.Infof("checker: started for %s (period=%s min-interval=%s batch=%d)",
		c.vendor, c.cfg.RecheckPeriod, c.cfg.MinInterval, c.cfg.StartupBatch)
	c.schedule()
}

// Stop cancels the pending timer. In-flight probes finish and their results
// are still applied, but no further probes are scheduled.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Wake recomputes the schedule immediately, typically after a bulk recheck
// reset the pool.
func (c *Checker) Wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return
	}
	c.schedule()
}

// schedule recomputes the next probe decision from scratch and arms a
// single timer for it. Caller holds c.mu.
func (c *Checker) schedule() {
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	enabled := make([]keypool.Key, 0)
	for _, k := range c.keys.Export() {
		if !k.Disabled {
			enabled = append(enabled, k)
		}
	}
	if len(enabled) == 0 {
		log.Warnf("checker: all %s keys disabled, scheduler idle", c.vendor)
		return
	}

	unchecked := make([]string, 0)
	for _, k := range enabled {
		if k.LastChecked.IsZero() {
			unchecked = append(unchecked, k.Hash)
			if len(unchecked) == c.cfg.StartupBatch {
				break
			}
		}
	}
	if len(unchecked) > 0 {
		batch := unchecked
		c.timer = time.AfterFunc(c.cfg.StartupDelay, func() { c.probeBatch(batch) })
		return
	}

	oldest := enabled[0]
	for _, k := range enabled[1:] {
		if k.LastChecked.Before(oldest.LastChecked) {
			oldest = k
		}
	}
	at := oldest.LastChecked.Add(c.cfg.RecheckPeriod)
	if !c.lastProbe.IsZero() {
		if floor := c.lastProbe.Add(c.cfg.MinInterval); floor.After(at) {
			at = floor
		}
	}
	delay := at.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	hash := oldest.Hash
	log.Debugf("checker: next %s probe is %s in %s", c.vendor, hash, delay)
	c.timer = time.AfterFunc(delay, func() { c.probeOne(hash) })
}

// probeBatch drains part of the first-time check backlog with a bounded
// concurrent fan-out, then recomputes the schedule.
func (c *Checker) probeBatch(hashes []string) {
	byHash := c.exportByHash()

	var wg sync.WaitGroup
	for _, hash := range hashes {
		k, ok := byHash[hash]
		if !ok || k.Disabled {
			continue
		}
		wg.Add(1)
		go func(record keypool.Key) {
			defer wg.Done()
			c.checkKey(record)
		}(k)
	}
	wg.Wait()

	c.mu.Lock()
	c.lastProbe = c.now()
	c.schedule()
	c.mu.Unlock()
}

// probeOne verifies a single key, skipping without an HTTP call if it was
// disabled while the timer was pending.
func (c *Checker) probeOne(hash string) {
	k, ok := c.exportByHash()[hash]
	if !ok || k.Disabled {
		c.mu.Lock()
		c.schedule()
		c.mu.Unlock()
		return
	}

	c.checkKey(k)

	c.mu.Lock()
	c.lastProbe = c.now()
	c.schedule()
	c.mu.Unlock()
}

// exportByHash snapshots the pool into a hash-indexed map.
func (c *Checker) exportByHash() map[string]keypool.Key {
	records := c.keys.Export()
	out := make(map[string]keypool.Key, len(records))
	for _, k := range records {
		out[k.Hash] = k
	}
	return out
}

// checkKey probes one key and applies the classified result. A panic during
// classification is contained here so the scheduling loop survives it.
func (c *Checker) checkKey(k keypool.Key) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("checker: panic while checking %s key %s: %v", c.vendor, k.Hash, r)
			c.keys.Update(k.Hash, keypool.Patch{})
		}
	}()

	ctx := context.Background()
	first := k.LastChecked.IsZero()

	var (
		liveRes   probe.LivenessResult
		liveOut   probe.Outcome
		limits    probe.Limits
		limitsOut probe.Outcome
		caps      probe.Capabilities
		capsOut   probe.Outcome
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		liveRes, liveOut = c.probe.Liveness(ctx, k.Secret)
	}()
	go func() {
		defer wg.Done()
		limits, limitsOut = c.probe.Limits(ctx, k.Secret)
	}()
	if first {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caps, capsOut = c.probe.Capabilities(ctx, k.Secret)
		}()
	}
	wg.Wait()

	class := liveOut.Class
	metrics.Probes.WithLabelValues(string(c.vendor), class.String()).Inc()

	switch {
	case class.Disables():
		// Stamp last-checked first so a dead key never loops tightly.
		c.keys.Update(k.Hash, keypool.Patch{})
		c.keys.Disable(k.Hash)
		log.Warnf("checker: %s key %s disabled (%s: %s)", c.vendor, k.Hash, class, liveOut.Message)

	case class == probe.ClassRequestRateLimited:
		// Back-date last-checked so the normal scheduling formula re-probes
		// this key after the short retry delay instead of the full period.
		retryAt := c.now().Add(c.cfg.RateLimitRetryDelay - c.cfg.RecheckPeriod)
		c.keys.Update(k.Hash, keypool.Patch{LastChecked: &retryAt})
		log.Infof("checker: %s key %s hit request rate limit, retrying in %s",
			c.vendor, k.Hash, c.cfg.RateLimitRetryDelay)

	case class.Healthy():
		c.keys.Update(k.Hash, c.healthyPatch(k, first, class, liveRes, limits, limitsOut, caps, capsOut))

	case class == probe.ClassNetwork:
		c.keys.Update(k.Hash, keypool.Patch{})
		log.WithError(liveOut.Err).Warnf("checker: %s key %s probe transport failure", c.vendor, k.Hash)

	default:
		c.keys.Update(k.Hash, keypool.Patch{})
		log.Warnf("checker: %s key %s returned unrecognized error (status=%d type=%s): %s",
			c.vendor, k.Hash, liveOut.Status, liveOut.ErrType, liveOut.Message)
	}
}

// healthyPatch merges the successful probe results into one update.
func (c *Checker) healthyPatch(k keypool.Key, first bool, class probe.Class,
	liveRes probe.LivenessResult, limits probe.Limits, limitsOut probe.Outcome,
	caps probe.Capabilities, capsOut probe.Outcome) keypool.Patch {

	patch := keypool.Patch{}
	if limitsOut.Class == probe.ClassOK {
		patch.IsTrial = &limits.IsTrial
		patch.SoftLimitUSD = &limits.SoftLimitUSD
		patch.HardLimitUSD = &limits.HardLimitUSD
		patch.SystemLimitUSD = &limits.SystemLimitUSD
	}
	if first && capsOut.Class == probe.ClassOK {
		patch.HasGPT4 = &caps.HasGPT4
		patch.SupportsChat = &caps.SupportsChat
		if caps.Tier != "" {
			patch.Tier = &caps.Tier
		}
	}
	if k.Vendor == keypool.VendorAnthropic && class == probe.ClassOK {
		patch.RequiresPreamble = &liveRes.RequiresPreamble
		if liveRes.OutputAltered {
			altered := true
			patch.OutputAltered = &altered
			log.Warnf("checker: %s key %s output is being altered upstream", c.vendor, k.Hash)
		}
	}
	return patch
}
