package assetindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

func hashString(b byte) string {
	var h solana.PublicKey
	h[0] = b
	h[31] = b
	return h.String()
}

func newDASServer(t *testing.T, handler func(method string, params map[string]interface{}) (interface{}, int)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer das-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req struct {
			ID     int64                  `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, status := handler(req.Method, req.Params)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAssetsByOwnerMapsRecords(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	tree := solana.NewWallet().PublicKey()
	id := solana.NewWallet().PublicKey()
	delegate := solana.NewWallet().PublicKey().String()
	srv := newDASServer(t, func(method string, params map[string]interface{}) (interface{}, int) {
		require.Equal(t, "getAssetsByOwner", method)
		require.Equal(t, owner.String(), params["ownerAddress"])
		return map[string]interface{}{
			"total": 3, "limit": 1000, "page": 1,
			"items": []map[string]interface{}{
				{
					"id": id.String(),
					"compression": map[string]interface{}{
						"compressed": true, "tree": tree.String(), "leaf_id": 17,
						"data_hash": hashString(1), "creator_hash": hashString(2),
					},
					"ownership": map[string]interface{}{"owner": owner.String(), "delegate": delegate},
				},
				{
					"id":          solana.NewWallet().PublicKey().String(),
					"compression": map[string]interface{}{"compressed": false},
					"ownership":   map[string]interface{}{"owner": owner.String()},
				},
				{
					"id": solana.NewWallet().PublicKey().String(),
					"compression": map[string]interface{}{
						"compressed": true, "tree": tree.String(), "leaf_id": 18,
						"data_hash": hashString(1), "creator_hash": hashString(2),
					},
					"ownership": map[string]interface{}{"owner": owner.String(), "delegate": nil},
					"burnt":     true,
				},
			},
		}, http.StatusOK
	})
	client := NewClient(srv.URL, "das-key", time.Second)
	assets, err := client.AssetsByOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	rec := assets[0]
	require.Equal(t, id, rec.ID)
	require.Equal(t, tree, rec.Tree)
	require.Equal(t, uint32(17), rec.LeafIndex)
	require.Equal(t, delegate, rec.Delegate.String())
	require.Equal(t, byte(1), rec.DataHash[0])
	require.Equal(t, byte(2), rec.CreatorHash[31])
}

func TestAssetProof(t *testing.T) {
	tree := solana.NewWallet().PublicKey()
	srv := newDASServer(t, func(method string, params map[string]interface{}) (interface{}, int) {
		require.Equal(t, "getAssetProof", method)
		return map[string]interface{}{
			"root":       hashString(9),
			"proof":      []string{hashString(3), hashString(4), hashString(5)},
			"node_index": 20,
			"leaf":       hashString(8),
			"tree_id":    tree.String(),
		}, http.StatusOK
	})
	client := NewClient(srv.URL, "das-key", time.Second)
	proof, err := client.AssetProof(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	require.Equal(t, byte(9), proof.Root[0])
	require.Equal(t, byte(8), proof.Leaf[0])
	require.Equal(t, tree, proof.Tree)
	require.Len(t, proof.Siblings, 3)
	require.Equal(t, byte(5), proof.Siblings[2][0])
}

func TestIndexFailuresAreUnavailable(t *testing.T) {
	srv := newDASServer(t, func(method string, params map[string]interface{}) (interface{}, int) {
		return nil, http.StatusBadGateway
	})
	client := NewClient(srv.URL, "das-key", time.Second)
	_, err := client.AssetsByOwner(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, types.ErrIndexUnavailable)
	require.ErrorIs(t, err, types.ErrUpstreamUnavailable)

	unreachable := NewClient("http://127.0.0.1:1", "", 200*time.Millisecond)
	_, err = unreachable.AssetProof(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, types.ErrIndexUnavailable)
}
