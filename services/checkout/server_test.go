package checkout

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/gateway/middleware"
)

type stubAssembler struct {
	mu       sync.Mutex
	requests []core.CheckoutRequest
	err      error
}

func (a *stubAssembler) Assemble(ctx context.Context, req core.CheckoutRequest) (*core.Assembly, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.err != nil {
		return nil, a.err
	}
	return &core.Assembly{
		Envelope:      &types.Envelope{Serialized: []byte("envelope")},
		Message:       "Thanks for shopping",
		RewardOutcome: core.RewardIncluded,
	}, nil
}

func (a *stubAssembler) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *stubAssembler) calls() []core.CheckoutRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.CheckoutRequest(nil), a.requests...)
}

type serverHarness struct {
	finder    *stubFinder
	assembler *stubAssembler
	manager   *Manager
	store     *Store
	server    *httptest.Server
}

func newServerHarness(t *testing.T, deps ServerDeps) *serverHarness {
	t.Helper()
	finder := newStubFinder()
	manager, store := newTestManager(t, finder, &stubSink{})
	assembler := &stubAssembler{}
	srv := NewServer(ServerConfig{Label: "Monstrè Shop", Icon: "https://shop.example/icon.png", PublicURL: "https://shop.example"},
		assembler, manager, store, deps, quietLogger())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &serverHarness{finder: finder, assembler: assembler, manager: manager, store: store, server: ts}
}

func (h *serverHarness) pay(t *testing.T, query string, body string) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(h.server.URL+"/pay?"+query, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func TestPayMetadata(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	resp, err := http.Get(h.server.URL + "/pay")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta payMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	require.Equal(t, "Monstrè Shop", meta.Label)
	require.Equal(t, "https://shop.example/icon.png", meta.Icon)
}

func TestPayReturnsEnvelopeAndRecordsPayer(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	ref, err := core.NewReference()
	require.NoError(t, err)
	payer := solana.NewWallet().PublicKey()

	query := fmt.Sprintf("amount=12.50&reference=%s", ref)
	resp, payload := h.pay(t, query, fmt.Sprintf(`{"account":%q}`, payer.String()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("envelope")), payload["transaction"])
	require.Equal(t, "Thanks for shopping", payload["message"])

	calls := h.assembler.calls()
	require.Len(t, calls, 1)
	require.True(t, calls[0].Payer.Equals(payer))
	require.Equal(t, ref, calls[0].Reference)
	require.Zero(t, calls[0].Amount.Cmp(big.NewRat(25, 2)))

	// an unknown reference is adopted and watched
	sess, err := h.manager.Get(context.Background(), ref.String())
	require.NoError(t, err)
	require.Equal(t, payer.String(), sess.Account)
	require.Equal(t, "12.5", sess.Amount)
	require.Equal(t, core.RewardIncluded, sess.Reward)
	require.Equal(t, SessionPending, sess.State)

	n, err := h.store.AuditCount(context.Background(), "/pay?"+query)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPayRejectsMalformedRequests(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	ref, err := core.NewReference()
	require.NoError(t, err)
	payer := solana.NewWallet().PublicKey().String()

	cases := []struct {
		name  string
		query string
		body  string
	}{
		{"missing account", "amount=1&reference=" + ref.String(), `{}`},
		{"bad account", "amount=1&reference=" + ref.String(), `{"account":"not-a-key"}`},
		{"bad json", "amount=1&reference=" + ref.String(), `{`},
		{"negative amount", "amount=-1&reference=" + ref.String(), fmt.Sprintf(`{"account":%q}`, payer)},
		{"missing reference", "amount=1", fmt.Sprintf(`{"account":%q}`, payer)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, payload := h.pay(t, tc.query, tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.NotEmpty(t, payload["error"])
		})
	}
	require.Empty(t, h.assembler.calls())
}

func TestPayMapsAssemblerErrors(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	ref, err := core.NewReference()
	require.NoError(t, err)
	body := fmt.Sprintf(`{"account":%q}`, solana.NewWallet().PublicKey().String())
	query := "amount=1&reference=" + ref.String()

	h.assembler.fail(fmt.Errorf("%w: das offline", types.ErrIndexUnavailable))
	resp, _ := h.pay(t, query, body)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h.assembler.fail(errors.New("signer exploded"))
	resp, payload := h.pay(t, query, body)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.NotContains(t, payload["error"], "exploded")

	// the payer is bound before assembly, so the wallet can retry
	sess, err := h.manager.Get(context.Background(), ref.String())
	require.NoError(t, err)
	require.Equal(t, SessionPending, sess.State)
	require.Empty(t, sess.Reward)
	h.assembler.fail(nil)
	resp, _ = h.pay(t, query, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPayKeepsFirstPayer(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	created := createSession(t, h, "15")
	payer := solana.NewWallet().PublicKey().String()
	other := solana.NewWallet().PublicKey().String()
	query := "amount=15&reference=" + created.Reference

	resp, _ := h.pay(t, query, fmt.Sprintf(`{"account":%q}`, payer))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.pay(t, query, fmt.Sprintf(`{"account":%q}`, payer))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload := h.pay(t, query, fmt.Sprintf(`{"account":%q}`, other))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, payload["error"], "another payer")
	require.Len(t, h.assembler.calls(), 2)

	sess, err := h.manager.Get(context.Background(), created.Reference)
	require.NoError(t, err)
	require.Equal(t, payer, sess.Account)
}

func TestPayRejectsAmountOtherThanSession(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	created := createSession(t, h, "15")
	body := fmt.Sprintf(`{"account":%q}`, solana.NewWallet().PublicKey().String())

	resp, payload := h.pay(t, "amount=0.01&reference="+created.Reference, body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, payload["error"], "amount does not match")
	require.Empty(t, h.assembler.calls())

	sess, err := h.manager.Get(context.Background(), created.Reference)
	require.NoError(t, err)
	require.Empty(t, sess.Account)

	resp, _ = h.pay(t, "amount=15.00&reference="+created.Reference, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func createSession(t *testing.T, h *serverHarness, amount string) sessionResponse {
	t.Helper()
	resp, err := http.Post(h.server.URL+"/sessions", "application/json", strings.NewReader(fmt.Sprintf(`{"amount":%q}`, amount)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSessionRoutes(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	created := createSession(t, h, "15.00")
	require.Equal(t, SessionPending, created.State)
	require.Equal(t, "15", created.Amount)

	link, err := url.QueryUnescape(strings.TrimPrefix(created.URL, "solana:"))
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/pay?amount=15&reference="+created.Reference, link)

	resp, err := http.Get(h.server.URL + "/sessions/" + created.Reference)
	require.NoError(t, err)
	var got sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, created.Reference, got.Reference)

	req, err := http.NewRequest(http.MethodDelete, h.server.URL+"/sessions/"+created.Reference, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, SessionCancelled, got.State)

	unknown, err := core.NewReference()
	require.NoError(t, err)
	resp, err = http.Get(h.server.URL + "/sessions/" + unknown.String())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(h.server.URL + "/sessions/not-a-reference")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(h.server.URL+"/sessions", "application/json", strings.NewReader(`{"amount":"abc"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionStreamClosesWhenConfirmed(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	created := createSession(t, h, "4")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/sessions/" + created.Reference + "/ws"
	conn, _, err := websocket.Dial(ctx, addr, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test complete")

	first := readSession(t, ctx, conn)
	require.Equal(t, SessionPending, first.State)

	close(h.finder.confirm)
	var last sessionResponse
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		require.NoError(t, json.Unmarshal(data, &last))
	}
	require.Equal(t, SessionConfirmed, last.State)
	require.NotEmpty(t, last.Signature)
}

func readSession(t *testing.T, ctx context.Context, conn *websocket.Conn) sessionResponse {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestExportRequiresAdmin(t *testing.T) {
	admin, err := middleware.NewAuthenticator(middleware.AuthConfig{Secret: "admin-secret", AllowStatic: true}, quietLogger())
	require.NoError(t, err)
	h := newServerHarness(t, ServerDeps{Admin: admin})
	created := createSession(t, h, "8")

	resp, err := http.Get(h.server.URL + "/sessions/export")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/sessions/export?format=csv", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Checksum-Sha256"))
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), created.Reference+",8,,pending")

	req.URL.RawQuery = "format=xml"
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newServerHarness(t, ServerDeps{})
	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
