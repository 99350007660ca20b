package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAILivenessClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Class
	}{
		{
			name:   "healthy key rejects invalid max_tokens",
			status: http.StatusBadRequest,
			body:   `{"error":{"type":"invalid_request_error","code":null,"message":"-1 is less than the minimum of 1"}}`,
			want:   ClassOK,
		},
		{
			name:   "revoked key",
			status: http.StatusUnauthorized,
			body:   `{"error":{"type":"invalid_request_error","code":"invalid_api_key","message":"Incorrect API key provided"}}`,
			want:   ClassUnauthorized,
		},
		{
			name:   "deactivated account",
			status: http.StatusBadRequest,
			body:   `{"error":{"type":"invalid_request_error","code":"account_deactivated","message":"account deactivated"}}`,
			want:   ClassUnauthorized,
		},
		{
			name:   "quota exhausted",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"type":"insufficient_quota","code":null,"message":"You exceeded your current quota"}}`,
			want:   ClassQuotaExhausted,
		},
		{
			name:   "access terminated",
			status: http.StatusForbidden,
			body:   `{"error":{"type":"access_terminated","code":null,"message":"terminated due to policy violation"}}`,
			want:   ClassTerminated,
		},
		{
			name:   "billing not active",
			status: http.StatusForbidden,
			body:   `{"error":{"type":"billing_not_active","code":null,"message":"billing not active"}}`,
			want:   ClassBillingInactive,
		},
		{
			name:   "request rate limit",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"type":"requests","code":null,"message":"Rate limit reached for requests"}}`,
			want:   ClassRequestRateLimited,
		},
		{
			name:   "token rate limit",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"type":"tokens","code":null,"message":"Rate limit reached for tokens per min"}}`,
			want:   ClassTokenRateLimited,
		},
		{
			name:   "unrecognized error",
			status: http.StatusInternalServerError,
			body:   `{"error":{"type":"server_error","code":null,"message":"upstream exploded"}}`,
			want:   ClassUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewOpenAI(srv.URL, time.Second)
			_, out := c.Liveness(context.Background(), "sk-test")
			if out.Class != tc.want {
				t.Fatalf("class = %s, want %s", out.Class, tc.want)
			}
		})
	}
}

func TestOpenAILivenessNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewOpenAI(srv.URL, time.Second)
	_, out := c.Liveness(context.Background(), "sk-test")
	if out.Class != ClassNetwork {
		t.Fatalf("class = %s, want %s", out.Class, ClassNetwork)
	}
	if out.Err == nil {
		t.Fatal("expected transport error")
	}
}

func TestOpenAILimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dashboard/billing/subscription" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"has_payment_method":false,"soft_limit_usd":100,"hard_limit_usd":120,"system_hard_limit_usd":120}`))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL, time.Second)
	limits, out := c.Limits(context.Background(), "sk-test")
	if out.Class != ClassOK {
		t.Fatalf("class = %s, want %s", out.Class, ClassOK)
	}
	if !limits.IsTrial {
		t.Fatal("key without payment method should be a trial")
	}
	if limits.HardLimitUSD != 120 || limits.SoftLimitUSD != 100 || limits.SystemLimitUSD != 120 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestOpenAICapabilities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-3.5-turbo"},{"id":"gpt-4-0613"},{"id":"whisper-1"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL, time.Second)
	caps, out := c.Capabilities(context.Background(), "sk-test")
	if out.Class != ClassOK {
		t.Fatalf("class = %s, want %s", out.Class, ClassOK)
	}
	if !caps.HasGPT4 || !caps.SupportsChat {
		t.Fatalf("capabilities = %+v, want gpt4 and chat", caps)
	}
}

func TestOpenAICapabilitiesTurboOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-3.5-turbo"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL, time.Second)
	caps, _ := c.Capabilities(context.Background(), "sk-test")
	if caps.HasGPT4 {
		t.Fatal("turbo-only key reported gpt4 access")
	}
	if !caps.SupportsChat {
		t.Fatal("turbo key should support chat")
	}
}

func TestClassHelpers(t *testing.T) {
	disabling := []Class{ClassUnauthorized, ClassQuotaExhausted, ClassTerminated, ClassBillingInactive}
	for _, class := range disabling {
		if !class.Disables() {
			t.Fatalf("%s should disable", class)
		}
	}
	surviving := []Class{ClassOK, ClassTokenRateLimited, ClassRequestRateLimited, ClassUnknown, ClassNetwork}
	for _, class := range surviving {
		if class.Disables() {
			t.Fatalf("%s should not disable", class)
		}
	}
	if !ClassOK.Healthy() || !ClassTokenRateLimited.Healthy() {
		t.Fatal("OK and token-rate-limited are healthy outcomes")
	}
	if ClassRequestRateLimited.Healthy() {
		t.Fatal("request-rate-limited is not a healthy outcome")
	}
}
