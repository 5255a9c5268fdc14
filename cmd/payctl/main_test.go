package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/crypto"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestReferencePrintsValidKey(t *testing.T) {
	code, out, _ := runCLI(t, "reference")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if _, err := types.ParseReference(strings.TrimSpace(out)); err != nil {
		t.Fatalf("not a reference %q: %v", out, err)
	}
}

func TestURLEncodesTransactionRequest(t *testing.T) {
	ref := solana.NewWallet().PublicKey().String()
	code, out, errOut := runCLI(t, "url", "--base", "https://shop.example", "--amount", "15.00", "--reference", ref)
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, errOut)
	}
	var link string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "url:") {
			link = strings.TrimSpace(strings.TrimPrefix(line, "url:"))
		}
	}
	decoded, err := url.QueryUnescape(strings.TrimPrefix(link, "solana:"))
	if err != nil {
		t.Fatalf("unescape: %v", err)
	}
	if decoded != "https://shop.example/pay?amount=15&reference="+ref {
		t.Fatalf("unexpected link %s", decoded)
	}

	if code, _, _ := runCLI(t, "url", "--base", "https://shop.example", "--amount", "-3"); code != 1 {
		t.Fatalf("negative amount should fail, got %d", code)
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	original := rpcEndpoint
	defer func() { rpcEndpoint = original }()

	args, err := applyGlobalFlags([]string{"--rpc", "http://rpc.test", "watch", "--rpc=http://other.test", "ref"})
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	if rpcEndpoint != "http://other.test" || strings.Join(args, " ") != "watch ref" {
		t.Fatalf("unexpected result %q %v", rpcEndpoint, args)
	}
	if _, err := applyGlobalFlags([]string{"--rpc"}); err == nil {
		t.Fatalf("expected missing value error")
	}
}

func signaturesServer(t *testing.T, result interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWatchConfirmed(t *testing.T) {
	sig := solana.Signature{4, 2}
	srv := signaturesServer(t, []map[string]interface{}{
		{"signature": sig.String(), "slot": 9, "err": nil, "memo": nil, "blockTime": nil, "confirmationStatus": "confirmed"},
	})
	ref := solana.NewWallet().PublicKey().String()
	code, out, errOut := runCLI(t, "--rpc", srv.URL, "watch", ref)
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, errOut)
	}
	if !strings.Contains(out, "confirmed after 1 attempts: "+sig.String()) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestWatchExhausted(t *testing.T) {
	srv := signaturesServer(t, []interface{}{})
	ref := solana.NewWallet().PublicKey().String()
	code, _, errOut := runCLI(t, "--rpc", srv.URL, "watch", "--attempts", "2", "--interval", "1ms", ref)
	if code != 3 {
		t.Fatalf("expected exit 3, got %d: %s", code, errOut)
	}
	if !strings.Contains(errOut, "reference not found") {
		t.Fatalf("unexpected stderr %q", errOut)
	}
}

func TestKeygenAndPubkey(t *testing.T) {
	original := keystorePassphrase
	keystorePassphrase = func() (string, error) { return "correct horse", nil }
	defer func() { keystorePassphrase = original }()

	path := filepath.Join(t.TempDir(), "shop.json")
	code, out, errOut := runCLI(t, "keygen", path)
	if code != 0 {
		t.Fatalf("keygen exit %d: %s", code, errOut)
	}
	signer, err := crypto.LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if !strings.Contains(out, signer.PublicKey().String()) {
		t.Fatalf("address not printed: %q", out)
	}

	code, out, _ = runCLI(t, "pubkey", path)
	if code != 0 || strings.TrimSpace(out) != signer.PublicKey().String() {
		t.Fatalf("pubkey exit %d output %q", code, out)
	}

	if code, _, _ := runCLI(t, "keygen", path); code != 1 {
		t.Fatalf("keygen must refuse to overwrite, got %d", code)
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "frobnicate")
	if code != 2 || !strings.Contains(errOut, "unknown command") {
		t.Fatalf("exit %d stderr %q", code, errOut)
	}
}
