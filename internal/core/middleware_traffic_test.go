package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"careintake/internal/types"
)

type mockRateLimitStore struct {
	IncrementAndCheckFunc func(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
	keys                  []string
}

func (m *mockRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.keys = append(m.keys, key)
	return m.IncrementAndCheckFunc(ctx, key, limit, window)
}

func serveRateLimited(srv *Server, method string) (*httptest.ResponseRecorder, bool) {
	called := false
	h := srv.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "/v1/checkout", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, called
}

func TestRateLimitNilStorePassesThrough(t *testing.T) {
	srv := newTestServer(t)
	if rec, called := serveRateLimited(srv, http.MethodPost); !called || rec.Code != http.StatusOK {
		t.Errorf("called=%v status=%d", called, rec.Code)
	}
}

func TestRateLimitSkipsReads(t *testing.T) {
	srv := newTestServer(t)
	store := &mockRateLimitStore{}
	srv.RateLimitStore = store

	if _, called := serveRateLimited(srv, http.MethodGet); !called {
		t.Error("GET should bypass the limiter")
	}
	if len(store.keys) != 0 {
		t.Errorf("store consulted for GET: %v", store.keys)
	}
}

func TestRateLimitAllowsUnderLimit(t *testing.T) {
	srv := newTestServer(t)
	store := &mockRateLimitStore{
		IncrementAndCheckFunc: func(_ context.Context, _ string, limit int, window time.Duration) (RateLimitResult, error) {
			if limit != 3 || window != time.Minute {
				t.Errorf("limit=%d window=%v", limit, window)
			}
			return RateLimitResult{Allowed: true, Remaining: 2, ResetAt: time.Now().Add(time.Minute)}, nil
		},
	}
	srv.RateLimitStore = store

	rec, called := serveRateLimited(srv, http.MethodPost)
	if !called {
		t.Fatal("request under limit was blocked")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "2" || rec.Header().Get("X-RateLimit-Limit") != "3" {
		t.Errorf("headers = %v", rec.Header())
	}
	if store.keys[0] != "rl:10.0.0.7:/v1/checkout" {
		t.Errorf("key = %s", store.keys[0])
	}
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	srv := newTestServer(t)
	srv.RateLimitStore = &mockRateLimitStore{
		IncrementAndCheckFunc: func(context.Context, string, int, time.Duration) (RateLimitResult, error) {
			return RateLimitResult{Allowed: false, ResetAt: time.Now().Add(30 * time.Second)}, nil
		},
	}

	rec, called := serveRateLimited(srv, http.MethodPost)
	if called {
		t.Fatal("handler ran despite limit")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if got := decodeErrorBody(t, rec); got.Code != string(types.ErrCodeRateLimit) {
		t.Errorf("code = %s", got.Code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	srv := newTestServer(t)
	srv.RateLimitStore = &mockRateLimitStore{
		IncrementAndCheckFunc: func(context.Context, string, int, time.Duration) (RateLimitResult, error) {
			return RateLimitResult{}, errors.New("redis: connection pool timeout")
		},
	}

	if _, called := serveRateLimited(srv, http.MethodPost); !called {
		t.Error("store failure should not block signups")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4444"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("clientIP = %s", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("clientIP with XFF = %s", got)
	}
}
