// Package probe performs the vendor API calls used to verify pooled keys:
// a models/capabilities listing, a subscription/limits lookup, and a
// deliberately invalid completion request whose bad-request error is itself
// the liveness signal.
package probe

import (
	"context"
	"net/http"
	"time"
)

// Class is the classified result of a probe call.
type Class int

// Probe outcome classes, from healthy to transport failure.
const (
	// ClassOK means the expected bad-request signal was observed: the key
	// is authorized and has quota.
	ClassOK Class = iota
	// ClassUnauthorized means the credential is invalid or revoked.
	ClassUnauthorized
	// ClassQuotaExhausted means the account has no remaining quota.
	ClassQuotaExhausted
	// ClassTerminated means the account was closed for policy reasons.
	ClassTerminated
	// ClassBillingInactive means the account is billing-delinquent.
	ClassBillingInactive
	// ClassRequestRateLimited means the per-minute request cap was hit.
	ClassRequestRateLimited
	// ClassTokenRateLimited means the per-minute token cap was hit, which
	// proves the key can generate output.
	ClassTokenRateLimited
	// ClassUnknown means the vendor returned an unrecognized error shape.
	ClassUnknown
	// ClassNetwork means no structured vendor response arrived at all.
	ClassNetwork
)

// String returns the metrics/log label for the class.
func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassQuotaExhausted:
		return "quota_exhausted"
	case ClassTerminated:
		return "terminated"
	case ClassBillingInactive:
		return "billing_inactive"
	case ClassRequestRateLimited:
		return "request_rate_limited"
	case ClassTokenRateLimited:
		return "token_rate_limited"
	case ClassUnknown:
		return "unknown"
	case ClassNetwork:
		return "network"
	default:
		return "invalid"
	}
}

// Disables reports whether the class terminally retires a key.
func (c Class) Disables() bool {
	switch c {
	case ClassUnauthorized, ClassQuotaExhausted, ClassTerminated, ClassBillingInactive:
		return true
	default:
		return false
	}
}

// Healthy reports whether the class counts as a successful liveness signal.
func (c Class) Healthy() bool {
	return c == ClassOK || c == ClassTokenRateLimited
}

// Outcome is the structured result of a single probe call.
type Outcome struct {
	Class   Class
	Status  int    // HTTP status, 0 on network failure.
	ErrType string // Vendor error type/code when present.
	Message string // Vendor error message when present.
	Err     error  // Transport error when Class is ClassNetwork.
}

// Limits carries account/subscription quota information.
type Limits struct {
	IsTrial        bool
	SoftLimitUSD   float64
	HardLimitUSD   float64
	SystemLimitUSD float64
}

// Capabilities carries the model tiers a key can access. Assumed stable
// after the first probe.
type Capabilities struct {
	HasGPT4      bool
	SupportsChat bool
	Tier         string
}

// LivenessResult carries vendor quirks observed during the liveness call.
type LivenessResult struct {
	RequiresPreamble bool
	OutputAltered    bool
}

// Client performs the per-vendor probe calls for a single vendor API.
type Client interface {
	Liveness(ctx context.Context, secret string) (LivenessResult, Outcome)
	Limits(ctx context.Context, secret string) (Limits, Outcome)
	Capabilities(ctx context.Context, secret string) (Capabilities, Outcome)
}

// defaultTimeout bounds each probe HTTP call.
const defaultTimeout = 15 * time.Second

// newHTTPClient builds the probe HTTP client with a bounded timeout.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
