package checker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/Japgutter/keywarden/internal/probe"
)

// fakeProbe serves canned outcomes per secret and records call counts.
type fakeProbe struct {
	mu         sync.Mutex
	liveness   map[string]probe.Outcome
	liveResult map[string]probe.LivenessResult
	limits     probe.Limits
	caps       probe.Capabilities
	calls      map[string]int
	capsCalls  map[string]int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		liveness:   make(map[string]probe.Outcome),
		liveResult: make(map[string]probe.LivenessResult),
		calls:      make(map[string]int),
		capsCalls:  make(map[string]int),
	}
}

func (f *fakeProbe) Liveness(_ context.Context, secret string) (probe.LivenessResult, probe.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[secret]++
	out, ok := f.liveness[secret]
	if !ok {
		out = probe.Outcome{Class: probe.ClassOK}
	}
	return f.liveResult[secret], out
}

func (f *fakeProbe) Limits(_ context.Context, _ string) (probe.Limits, probe.Outcome) {
	return f.limits, probe.Outcome{Class: probe.ClassOK}
}

func (f *fakeProbe) Capabilities(_ context.Context, secret string) (probe.Capabilities, probe.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capsCalls[secret]++
	return f.caps, probe.Outcome{Class: probe.ClassOK}
}

func (f *fakeProbe) livenessCalls(secret string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[secret]
}

func (f *fakeProbe) capabilityCalls(secret string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capsCalls[secret]
}

func fastConfig() Config {
	return Config{
		RecheckPeriod:       200 * time.Millisecond,
		MinInterval:         5 * time.Millisecond,
		StartupBatch:        12,
		StartupDelay:        5 * time.Millisecond,
		RateLimitRetryDelay: 20 * time.Millisecond,
	}
}

func newCheckedPool(t *testing.T, vendor keypool.Vendor, secrets ...string) (*keypool.Pool, []keypool.Key) {
	t.Helper()
	p := keypool.New(keypool.Options{Vendor: vendor})
	keys := make([]keypool.Key, 0, len(secrets))
	for _, secret := range secrets {
		keys = append(keys, keypool.NewKey(vendor, secret))
	}
	p.Load(keys)
	return p, keys
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func findSnapshot(t *testing.T, p *keypool.Pool, hash string) keypool.Snapshot {
	t.Helper()
	for _, snap := range p.List() {
		if snap.Hash == hash {
			return snap
		}
	}
	t.Fatalf("key %s not in pool", hash)
	return keypool.Snapshot{}
}

func TestStartupBatchChecksEveryKey(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorOpenAI, "sk-a", "sk-b", "sk-c")
	fp := newFakeProbe()

	c := New(keypool.VendorOpenAI, pool, fp, fastConfig())
	c.Start()
	defer c.Stop()

	for _, secret := range []string{"sk-a", "sk-b", "sk-c"} {
		secret := secret
		waitFor(t, "first check of "+secret, func() bool {
			return fp.livenessCalls(secret) >= 1
		})
	}
	for _, snap := range pool.List() {
		if snap.Disabled {
			t.Fatalf("healthy key %s disabled", snap.Hash)
		}
		if snap.LastChecked.IsZero() {
			t.Fatalf("key %s missing last-checked stamp", snap.Hash)
		}
	}
}

func TestUnauthorizedKeyIsDisabled(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorOpenAI, "sk-bad", "sk-good")
	fp := newFakeProbe()
	fp.liveness["sk-bad"] = probe.Outcome{
		Class:   probe.ClassUnauthorized,
		Status:  401,
		Message: "Incorrect API key provided",
	}

	c := New(keypool.VendorOpenAI, pool, fp, fastConfig())
	c.Start()
	defer c.Stop()

	badHash := keypool.HashSecret("sk-bad")
	waitFor(t, "bad key disabled", func() bool {
		return findSnapshot(t, pool, badHash).Disabled
	})

	snap, err := pool.Get("gpt-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Hash == badHash {
		t.Fatal("selection returned the disabled key")
	}
	if findSnapshot(t, pool, badHash).LastChecked.IsZero() {
		t.Fatal("disabled key missing last-checked stamp")
	}
}

func TestQuotaExhaustedKeyIsDisabled(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorOpenAI, "sk-broke")
	fp := newFakeProbe()
	fp.liveness["sk-broke"] = probe.Outcome{
		Class:   probe.ClassQuotaExhausted,
		Status:  429,
		ErrType: "insufficient_quota",
	}

	c := New(keypool.VendorOpenAI, pool, fp, fastConfig())
	c.Start()
	defer c.Stop()

	waitFor(t, "quota key disabled", func() bool {
		return pool.Available() == 0
	})
}

func TestTokenRateLimitedKeyStaysHealthy(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorOpenAI, "sk-busy")
	fp := newFakeProbe()
	fp.liveness["sk-busy"] = probe.Outcome{
		Class:  probe.ClassTokenRateLimited,
		Status: 429,
	}

	c := New(keypool.VendorOpenAI, pool, fp, fastConfig())
	c.Start()
	defer c.Stop()

	hash := keypool.HashSecret("sk-busy")
	waitFor(t, "busy key checked", func() bool {
		return !findSnapshot(t, pool, hash).LastChecked.IsZero()
	})
	if findSnapshot(t, pool, hash).Disabled {
		t.Fatal("token-rate-limited key was disabled")
	}
}

func TestRequestRateLimitedKeyIsRetriedSooner(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorOpenAI, "sk-squeezed")
	fp := newFakeProbe()
	fp.liveness["sk-squeezed"] = probe.Outcome{
		Class:  probe.ClassRequestRateLimited,
		Status: 429,
	}

	c := New(keypool.VendorOpenAI, pool, fp, fastConfig())
	c.Start()
	defer c.Stop()

	// The short retry delay means the same key is probed again well before
	// the full recheck period would have elapsed.
	waitFor(t, "rate-limited key re-probed", func() bool {
		return fp.livenessCalls("sk-squeezed") >= 2
	})

	hash := keypool.HashSecret("sk-squeezed")
	snap := findSnapshot(t, pool, hash)
	if snap.Disabled {
		t.Fatal("request-rate-limited key was disabled")
	}
	if !snap.LastChecked.Before(time.Now()) {
		t.Fatalf("expected back-dated last-checked, got %v", snap.LastChecked)
	}
}

func TestCapabilitiesOnlyProbedOnFirstCheck(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorOpenAI, "sk-a")
	fp := newFakeProbe()

	c := New(keypool.VendorOpenAI, pool, fp, fastConfig())
	c.Start()
	defer c.Stop()

	waitFor(t, "second probe of sk-a", func() bool {
		return fp.livenessCalls("sk-a") >= 2
	})
	if got := fp.capabilityCalls("sk-a"); got != 1 {
		t.Fatalf("capability probes = %d, want 1", got)
	}
}

func TestAllDisabledHaltsScheduler(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorOpenAI, "sk-a")
	pool.Disable(keypool.HashSecret("sk-a"))
	fp := newFakeProbe()

	c := New(keypool.VendorOpenAI, pool, fp, fastConfig())
	c.Start()
	defer c.Stop()

	time.Sleep(50 * time.Millisecond)
	if got := fp.livenessCalls("sk-a"); got != 0 {
		t.Fatalf("disabled key probed %d times, want 0", got)
	}
}

func TestRecheckWakesIdleChecker(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorOpenAI, "sk-dead")
	fp := newFakeProbe()
	fp.liveness["sk-dead"] = probe.Outcome{Class: probe.ClassUnauthorized, Status: 401}

	c := New(keypool.VendorOpenAI, pool, fp, fastConfig())
	pool.AttachChecker(c)
	c.Start()
	defer c.Stop()

	waitFor(t, "key disabled and checker idle", func() bool {
		return pool.Available() == 0
	})
	probesBeforeReset := fp.livenessCalls("sk-dead")

	pool.Recheck()

	waitFor(t, "re-probe after recheck", func() bool {
		return fp.livenessCalls("sk-dead") > probesBeforeReset
	})
}

func TestAnthropicDegradedOutputFlagged(t *testing.T) {
	pool, _ := newCheckedPool(t, keypool.VendorAnthropic, "sk-ant-odd")
	fp := newFakeProbe()
	fp.liveResult["sk-ant-odd"] = probe.LivenessResult{OutputAltered: true}

	c := New(keypool.VendorAnthropic, pool, fp, fastConfig())
	c.Start()
	defer c.Stop()

	hash := keypool.HashSecret("sk-ant-odd")
	waitFor(t, "degraded flag set", func() bool {
		snap := findSnapshot(t, pool, hash)
		return snap.Anthropic != nil && snap.Anthropic.OutputAltered
	})
}
