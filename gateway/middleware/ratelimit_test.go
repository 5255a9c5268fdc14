package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"pay": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("pay")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/pay", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"pay":      {RatePerSecond: 1, Burst: 1},
		"sessions": {RatePerSecond: 1, Burst: 1},
	}, nil)
	pay := limiter.Middleware("pay")(okHandler())
	sessions := limiter.Middleware("sessions")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/pay", nil)
	res := httptest.NewRecorder()
	pay.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected pay request to succeed, got %d", res.Code)
	}

	sreq := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	sres := httptest.NewRecorder()
	sessions.ServeHTTP(sres, sreq)
	if sres.Code != http.StatusOK {
		t.Fatalf("expected session request to use its own bucket, got %d", sres.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"pay": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens:        map[string]int{"POST /pay": 3},
		},
	}, nil)
	handler := limiter.Middleware("pay")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/pay", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first POST to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second POST to exceed burst, got %d", res.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/pay", nil)
	getRes := httptest.NewRecorder()
	handler.ServeHTTP(getRes, getReq)
	if getRes.Code != http.StatusOK {
		t.Fatalf("expected GET to fit in remaining tokens, got %d", getRes.Code)
	}
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"pay": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("pay")(okHandler())

	for _, key := range []string{"tenant-A", "tenant-B"} {
		req := httptest.NewRequest(http.MethodGet, "/pay", nil)
		req.Header.Set("X-API-Key", key)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected %s request to succeed, got %d", key, res.Code)
		}
	}
}
