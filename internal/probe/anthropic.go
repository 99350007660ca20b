package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Anthropic endpoint defaults.
const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// preambleErrorMarker appears in invalid-request messages from keys that
// require conversations to open with the human role.
const preambleErrorMarker = `prompt must start with "\n\nHuman:"`

// filterPreambleMarker opens completions whose output the vendor is
// silently rewriting.
const filterPreambleMarker = "I apologize, but I will not"

// AnthropicClient probes Anthropic-style keys.
type AnthropicClient struct {
	base string
	hc   *http.Client
}

// NewAnthropic constructs an Anthropic probe client. An empty baseURL
// selects the production endpoint.
func NewAnthropic(baseURL string, timeout time.Duration) *AnthropicClient {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultAnthropicBaseURL
	}
	return &AnthropicClient{base: base, hc: newHTTPClient(timeout)}
}

// anthropicError is the error envelope Anthropic wraps failures in.
type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicCompletion mirrors the completion response fields the liveness
// check inspects.
type anthropicCompletion struct {
	Completion string `json:"completion"`
}

// Liveness issues a completion with an out-of-range sample cap. A healthy
// key answers with an invalid_request_error; the error text also reveals
// whether the key demands a conversation-opening role.
func (c *AnthropicClient) Liveness(ctx context.Context, secret string) (LivenessResult, Outcome) {
	body := map[string]any{
		"model":                "claude-2",
		"prompt":               "\n\nHuman: hi\n\nAssistant:",
		"max_tokens_to_sample": -1,
	}
	status, payload, err := c.post(ctx, "/v1/complete", secret, body)
	if err != nil {
		return LivenessResult{}, Outcome{Class: ClassNetwork, Err: err}
	}

	result := LivenessResult{}
	if status == http.StatusOK {
		// The vendor executed the degenerate request anyway; a canned
		// refusal preamble means the key's output is being rewritten.
		var completion anthropicCompletion
		_ = json.Unmarshal(payload, &completion)
		result.OutputAltered = strings.Contains(completion.Completion, filterPreambleMarker)
		return result, Outcome{Class: ClassOK, Status: status}
	}

	out := classifyAnthropic(status, payload)
	if out.Class == ClassOK && strings.Contains(out.Message, preambleErrorMarker) {
		result.RequiresPreamble = true
	}
	return result, out
}

// Limits is not exposed by the Anthropic API; the call reports a healthy
// no-op so the checker's merge logic stays vendor-agnostic.
func (c *AnthropicClient) Limits(_ context.Context, _ string) (Limits, Outcome) {
	return Limits{}, Outcome{Class: ClassOK}
}

// Capabilities reports the account tier when the vendor exposes one.
func (c *AnthropicClient) Capabilities(ctx context.Context, secret string) (Capabilities, Outcome) {
	status, payload, err := c.get(ctx, "/v1/models", secret)
	if err != nil {
		return Capabilities{}, Outcome{Class: ClassNetwork, Err: err}
	}
	if status == http.StatusNotFound {
		// Older API surfaces have no models listing; capability tiers stay
		// at their defaults.
		return Capabilities{}, Outcome{Class: ClassOK, Status: status}
	}
	if status != http.StatusOK {
		return Capabilities{}, classifyAnthropic(status, payload)
	}
	return Capabilities{Tier: "claude"}, Outcome{Class: ClassOK, Status: status}
}

// classifyAnthropic maps an Anthropic error response to a probe class.
func classifyAnthropic(status int, payload []byte) Outcome {
	var envelope anthropicError
	_ = json.Unmarshal(payload, &envelope)
	errType := envelope.Error.Type
	message := envelope.Error.Message

	out := Outcome{Status: status, ErrType: errType, Message: message}
	switch {
	case status == http.StatusUnauthorized, errType == "authentication_error":
		out.Class = ClassUnauthorized
	case errType == "permission_error":
		out.Class = ClassTerminated
	case strings.Contains(message, "credit balance is too low"):
		out.Class = ClassQuotaExhausted
	case errType == "billing_error":
		out.Class = ClassBillingInactive
	case status == http.StatusTooManyRequests, errType == "rate_limit_error":
		if strings.Contains(message, "tokens") {
			out.Class = ClassTokenRateLimited
		} else {
			out.Class = ClassRequestRateLimited
		}
	case status == http.StatusBadRequest && errType == "invalid_request_error":
		out.Class = ClassOK
	default:
		out.Class = ClassUnknown
	}
	return out
}

func (c *AnthropicClient) post(ctx context.Context, path, secret string, body any) (int, []byte, error) {
	encoded, errEncode := json.Marshal(body)
	if errEncode != nil {
		return 0, nil, fmt.Errorf("probe: encode request: %w", errEncode)
	}
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(encoded))
	if errReq != nil {
		return 0, nil, fmt.Errorf("probe: build request: %w", errReq)
	}
	c.setHeaders(req, secret)
	return c.do(req)
}

func (c *AnthropicClient) get(ctx context.Context, path, secret string) (int, []byte, error) {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if errReq != nil {
		return 0, nil, fmt.Errorf("probe: build request: %w", errReq)
	}
	c.setHeaders(req, secret)
	return c.do(req)
}

func (c *AnthropicClient) setHeaders(req *http.Request, secret string) {
	req.Header.Set("x-api-key", secret)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
}

func (c *AnthropicClient) do(req *http.Request) (int, []byte, error) {
	resp, errDo := c.hc.Do(req)
	if errDo != nil {
		return 0, nil, errDo
	}
	defer func() { _ = resp.Body.Close() }()
	payload, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return 0, nil, errRead
	}
	return resp.StatusCode, payload, nil
}
