package metrics

import (
	"github.com/Japgutter/keywarden/internal/keypool"
)

// instrumentedProvider decorates a key provider with selection and
// rate-limit counters. All other operations pass through unchanged.
type instrumentedProvider struct {
	keypool.Provider
	vendor string
}

// InstrumentProvider wraps a vendor key provider with Prometheus counters.
func InstrumentProvider(p keypool.Provider, vendor string) keypool.Provider {
	return &instrumentedProvider{Provider: p, vendor: vendor}
}

func (p *instrumentedProvider) Get(model string) (keypool.Snapshot, error) {
	snap, err := p.Provider.Get(model)
	if err != nil {
		SelectionFailures.WithLabelValues(p.vendor).Inc()
		return snap, err
	}
	Selections.WithLabelValues(p.vendor).Inc()
	return snap, nil
}

func (p *instrumentedProvider) MarkRateLimited(hash string) {
	RateLimited.WithLabelValues(p.vendor).Inc()
	p.Provider.MarkRateLimited(hash)
}
