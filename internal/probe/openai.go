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

// DefaultOpenAIBaseURL is the production OpenAI API endpoint.
const DefaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIClient probes OpenAI-style keys.
type OpenAIClient struct {
	base string
	hc   *http.Client
}

// NewOpenAI constructs an OpenAI probe client. An empty baseURL selects the
// production endpoint.
func NewOpenAI(baseURL string, timeout time.Duration) *OpenAIClient {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultOpenAIBaseURL
	}
	return &OpenAIClient{base: base, hc: newHTTPClient(timeout)}
}

// openaiError is the error envelope OpenAI wraps failures in.
type openaiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Liveness issues a chat completion with an out-of-range max_tokens. A
// healthy, quota-having key answers with an invalid_request_error without
// consuming billable quota.
func (c *OpenAIClient) Liveness(ctx context.Context, secret string) (LivenessResult, Outcome) {
	body := map[string]any{
		"model":      "gpt-3.5-turbo",
		"messages":   []map[string]string{{"role": "user", "content": ""}},
		"max_tokens": -1,
	}
	status, payload, err := c.post(ctx, "/v1/chat/completions", secret, body)
	if err != nil {
		return LivenessResult{}, Outcome{Class: ClassNetwork, Err: err}
	}
	return LivenessResult{}, classifyOpenAI(status, payload)
}

// openaiSubscription mirrors the billing subscription response fields the
// checker consumes.
type openaiSubscription struct {
	HasPaymentMethod bool    `json:"has_payment_method"`
	SoftLimitUSD     float64 `json:"soft_limit_usd"`
	HardLimitUSD     float64 `json:"hard_limit_usd"`
	SystemHardLimit  float64 `json:"system_hard_limit_usd"`
}

// Limits fetches the account's billing subscription.
func (c *OpenAIClient) Limits(ctx context.Context, secret string) (Limits, Outcome) {
	status, payload, err := c.get(ctx, "/dashboard/billing/subscription", secret)
	if err != nil {
		return Limits{}, Outcome{Class: ClassNetwork, Err: err}
	}
	if status != http.StatusOK {
		return Limits{}, classifyOpenAI(status, payload)
	}
	var sub openaiSubscription
	if errDecode := json.Unmarshal(payload, &sub); errDecode != nil {
		return Limits{}, Outcome{Class: ClassUnknown, Status: status, Message: "malformed subscription payload"}
	}
	return Limits{
		IsTrial:        !sub.HasPaymentMethod,
		SoftLimitUSD:   sub.SoftLimitUSD,
		HardLimitUSD:   sub.HardLimitUSD,
		SystemLimitUSD: sub.SystemHardLimit,
	}, Outcome{Class: ClassOK, Status: status}
}

// openaiModelList mirrors the models listing response.
type openaiModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Capabilities lists the models visible to the key and derives its tier
// access flags.
func (c *OpenAIClient) Capabilities(ctx context.Context, secret string) (Capabilities, Outcome) {
	status, payload, err := c.get(ctx, "/v1/models", secret)
	if err != nil {
		return Capabilities{}, Outcome{Class: ClassNetwork, Err: err}
	}
	if status != http.StatusOK {
		return Capabilities{}, classifyOpenAI(status, payload)
	}
	var list openaiModelList
	if errDecode := json.Unmarshal(payload, &list); errDecode != nil {
		return Capabilities{}, Outcome{Class: ClassUnknown, Status: status, Message: "malformed models payload"}
	}
	caps := Capabilities{}
	for _, m := range list.Data {
		if strings.HasPrefix(m.ID, "gpt-4") {
			caps.HasGPT4 = true
			caps.SupportsChat = true
		}
		if strings.HasPrefix(m.ID, "gpt-3.5") {
			caps.SupportsChat = true
		}
	}
	return caps, Outcome{Class: ClassOK, Status: status}
}

// classifyOpenAI maps an OpenAI error response to a probe class.
func classifyOpenAI(status int, payload []byte) Outcome {
	var envelope openaiError
	_ = json.Unmarshal(payload, &envelope)
	errType := envelope.Error.Type
	code := fmt.Sprintf("%v", envelope.Error.Code)
	message := envelope.Error.Message

	out := Outcome{Status: status, ErrType: errType, Message: message}
	switch {
	case status == http.StatusUnauthorized,
		code == "invalid_api_key",
		code == "account_deactivated":
		out.Class = ClassUnauthorized
	case errType == "insufficient_quota", code == "insufficient_quota":
		out.Class = ClassQuotaExhausted
	case errType == "access_terminated", code == "access_terminated":
		out.Class = ClassTerminated
	case errType == "billing_not_active", code == "billing_not_active":
		out.Class = ClassBillingInactive
	case status == http.StatusTooManyRequests:
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

func (c *OpenAIClient) post(ctx context.Context, path, secret string, body any) (int, []byte, error) {
	encoded, errEncode := json.Marshal(body)
	if errEncode != nil {
		return 0, nil, fmt.Errorf("probe: encode request: %w", errEncode)
	}
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(encoded))
	if errReq != nil {
		return 0, nil, fmt.Errorf("probe: build request: %w", errReq)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *OpenAIClient) get(ctx context.Context, path, secret string) (int, []byte, error) {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if errReq != nil {
		return 0, nil, fmt.Errorf("probe: build request: %w", errReq)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	return c.do(req)
}

func (c *OpenAIClient) do(req *http.Request) (int, []byte, error) {
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
