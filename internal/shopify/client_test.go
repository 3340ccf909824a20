package shopify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPushOrder_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/orders/o1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	result, err := c.PushOrder(context.Background(), "o1", map[string]string{"status": "shipped"})
	if err != nil {
		t.Fatalf("PushOrder returned error: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", result.StatusCode)
	}
}

func TestPushOrder_429WithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	result, err := c.PushOrder(context.Background(), "o1", map[string]string{})
	if err != nil {
		t.Fatalf("PushOrder returned error: %v", err)
	}
	if result.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("StatusCode = %d, want 429", result.StatusCode)
	}
	if result.RetryAfter != 2*time.Second {
		t.Fatalf("RetryAfter = %v, want 2s", result.RetryAfter)
	}
}

func TestPushOrder_429MissingRetryAfterDefaultsToOneSecond(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	result, err := c.PushOrder(context.Background(), "o1", map[string]string{})
	if err != nil {
		t.Fatalf("PushOrder returned error: %v", err)
	}
	if result.RetryAfter != time.Second {
		t.Fatalf("RetryAfter = %v, want 1s default", result.RetryAfter)
	}
}
