package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cutemonstersnft/solanapay-compression/gateway/middleware"
)

func TestDispatcherSendsBearerSecret(t *testing.T) {
	var auth atomic.Value
	var body atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		body.Store(raw)
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, "s3cret")
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Enqueue(MintTrigger{Reference: "ref1", Account: "payer1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return auth.Load() != nil }, time.Second)
	if got, _ := auth.Load().(string); got != "Bearer s3cret" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	var trigger MintTrigger
	if err := json.Unmarshal(body.Load().([]byte), &trigger); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if trigger.Reference != "ref1" || trigger.Account != "payer1" {
		t.Fatalf("unexpected trigger %+v", trigger)
	}
	if trigger.DeliveryID == "" || trigger.SightedAt.IsZero() {
		t.Fatalf("expected delivery id and timestamp, got %+v", trigger)
	}
}

func TestDispatcherSignsJWT(t *testing.T) {
	authn, err := middleware.NewAuthenticator(middleware.AuthConfig{Secret: "s3cret", Issuer: "checkoutd", Audience: "mintd"}, nil)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	var accepted atomic.Int32
	var claimedRef atomic.Value
	server := httptest.NewServer(authn.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claimedRef.Store(middleware.ClaimsFromContext(r.Context())["ref"])
		accepted.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, "s3cret", WithJWT("checkoutd", "mintd"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Enqueue(MintTrigger{Reference: "ref2", Account: "payer2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return accepted.Load() > 0 }, time.Second)
	if accepted.Load() != 1 {
		t.Fatalf("expected token to be accepted")
	}
	if ref, _ := claimedRef.Load().(string); ref != "ref2" {
		t.Fatalf("unexpected ref claim %v", claimedRef.Load())
	}
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	done := make(chan error, 1)
	dispatcher, err := NewDispatcher(server.URL, "secret",
		WithRetryPolicy(5, 10*time.Millisecond, 20*time.Millisecond),
		WithResultHook(func(_ MintTrigger, err error) { done <- err }))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Enqueue(MintTrigger{Reference: "ref", Account: "payer"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected delivery, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery did not finish")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDispatcherDoesNotRetryRejectedCredential(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()
	done := make(chan error, 1)
	dispatcher, err := NewDispatcher(server.URL, "wrong",
		WithRetryPolicy(5, time.Millisecond, 2*time.Millisecond),
		WithResultHook(func(_ MintTrigger, err error) { done <- err }))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Enqueue(MintTrigger{Reference: "ref", Account: "payer"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected rejection")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery did not finish")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestEnqueueRequiresReferenceAndAccount(t *testing.T) {
	dispatcher, err := NewDispatcher("http://127.0.0.1:1", "secret")
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Enqueue(MintTrigger{Reference: "ref"}); err == nil {
		t.Fatalf("expected missing account to be rejected")
	}
	if _, err := NewDispatcher("", "secret"); err == nil {
		t.Fatalf("expected endpoint to be required")
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if got := nextBackoff(20*time.Second, 30*time.Second); got != 30*time.Second {
		t.Fatalf("backoff = %v", got)
	}
	if got := nextBackoff(time.Second, 30*time.Second); got != 2*time.Second {
		t.Fatalf("backoff = %v", got)
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}
