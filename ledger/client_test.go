package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/require"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

type rpcStub struct {
	mu      sync.Mutex
	results map[string]interface{}
	errors  map[string]int
	methods []string
	params  map[string]json.RawMessage
}

func newRPCStub(t *testing.T) (*rpcStub, *Client) {
	t.Helper()
	stub := &rpcStub{results: map[string]interface{}{}, errors: map[string]int{}, params: map[string]json.RawMessage{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stub.mu.Lock()
		stub.methods = append(stub.methods, req.Method)
		stub.params[req.Method] = req.Params
		result, ok := stub.results[req.Method]
		code := stub.errors[req.Method]
		stub.mu.Unlock()
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch {
		case code != 0:
			resp["error"] = map[string]interface{}{"code": code, "message": "boom"}
		case ok:
			resp["result"] = result
		default:
			resp["result"] = nil
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	client, err := New(srv.URL)
	require.NoError(t, err)
	return stub, client
}

func accountResult(owner solana.PublicKey, data []byte) map[string]interface{} {
	return map[string]interface{}{
		"context": map[string]interface{}{"slot": 10},
		"value": map[string]interface{}{
			"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
			"executable": false,
			"lamports":   1461600,
			"owner":      owner.String(),
			"rentEpoch":  0,
		},
	}
}

func mintData(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	data[45] = 1
	return data
}

func TestLatestBlockhash(t *testing.T) {
	stub, client := newRPCStub(t)
	hash := solana.Hash{7, 7, 7}
	stub.results["getLatestBlockhash"] = map[string]interface{}{
		"context": map[string]interface{}{"slot": 1},
		"value":   map[string]interface{}{"blockhash": hash.String(), "lastValidBlockHeight": 4242},
	}
	bh, err := client.LatestBlockhash(context.Background())
	require.NoError(t, err)
	require.Equal(t, hash, bh.Hash)
	require.Equal(t, uint64(4242), bh.LastValidBlockHeight)
}

func TestLatestBlockhashUpstreamFailure(t *testing.T) {
	stub, client := newRPCStub(t)
	stub.errors["getLatestBlockhash"] = -32000
	_, err := client.LatestBlockhash(context.Background())
	require.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestMintDecimals(t *testing.T) {
	stub, client := newRPCStub(t)
	stub.results["getAccountInfo"] = accountResult(token.ProgramID, mintData(6))
	decimals, err := client.MintDecimals(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint8(6), decimals)
}

func TestMintDecimalsMissingAccount(t *testing.T) {
	stub, client := newRPCStub(t)
	stub.results["getAccountInfo"] = map[string]interface{}{
		"context": map[string]interface{}{"slot": 1},
		"value":   nil,
	}
	_, err := client.MintDecimals(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, types.ErrMissingAccount)

	stub.results["getAccountInfo"] = accountResult(solana.SystemProgramID, mintData(6))
	_, err = client.MintDecimals(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, types.ErrMissingAccount)
}

func TestFindReference(t *testing.T) {
	stub, client := newRPCStub(t)
	sig := solana.Signature{1, 2, 3}
	stub.results["getSignaturesForAddress"] = []map[string]interface{}{
		{"signature": sig.String(), "slot": 5, "err": nil, "memo": nil, "blockTime": nil, "confirmationStatus": "confirmed"},
	}
	ref := types.PaymentReference(solana.NewWallet().PublicKey())
	got, err := client.FindReference(context.Background(), ref, types.FinalityConfirmed)
	require.NoError(t, err)
	require.Equal(t, sig, got)

	var params []json.RawMessage
	require.NoError(t, json.Unmarshal(stub.params["getSignaturesForAddress"], &params))
	require.Len(t, params, 2)
	require.Contains(t, string(params[0]), ref.String())
	require.Contains(t, string(params[1]), `"limit":25`)
	require.Contains(t, string(params[1]), `"commitment":"confirmed"`)
}

func TestFindReferenceSkipsFailedTransactions(t *testing.T) {
	stub, client := newRPCStub(t)
	failed := solana.Signature{7}
	paid := solana.Signature{8}
	stub.results["getSignaturesForAddress"] = []map[string]interface{}{
		{"signature": failed.String(), "slot": 9, "err": map[string]interface{}{"InstructionError": []interface{}{0, "InvalidAccountData"}}, "memo": nil, "blockTime": nil, "confirmationStatus": "confirmed"},
		{"signature": paid.String(), "slot": 5, "err": nil, "memo": nil, "blockTime": nil, "confirmationStatus": "confirmed"},
	}
	ref := types.PaymentReference(solana.NewWallet().PublicKey())
	got, err := client.FindReference(context.Background(), ref, types.FinalityConfirmed)
	require.NoError(t, err)
	require.Equal(t, paid, got)

	stub.results["getSignaturesForAddress"] = []map[string]interface{}{
		{"signature": failed.String(), "slot": 9, "err": map[string]interface{}{"InstructionError": []interface{}{0, "InvalidAccountData"}}, "memo": nil, "blockTime": nil, "confirmationStatus": "confirmed"},
	}
	_, err = client.FindReference(context.Background(), ref, types.FinalityConfirmed)
	require.ErrorIs(t, err, types.ErrReferenceNotFound)
}

func TestFindReferenceAbsent(t *testing.T) {
	stub, client := newRPCStub(t)
	stub.results["getSignaturesForAddress"] = []interface{}{}
	_, err := client.FindReference(context.Background(), types.PaymentReference(solana.NewWallet().PublicKey()), types.FinalityConfirmed)
	require.ErrorIs(t, err, types.ErrReferenceNotFound)

	stub.errors["getSignaturesForAddress"] = -32005
	_, err = client.FindReference(context.Background(), types.PaymentReference(solana.NewWallet().PublicKey()), types.FinalityConfirmed)
	require.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestResolveTokenAccount(t *testing.T) {
	_, client := newRPCStub(t)
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	got, err := client.ResolveTokenAccount(context.Background(), owner, mint)
	require.NoError(t, err)
	want, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
