// Package assetindex is a client for the Digital Asset Standard read API
// exposed by compression-aware RPC providers.
package assetindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

const defaultPageLimit = 1000

// Client speaks DAS JSON-RPC.
type Client struct {
	baseURL   string
	authToken string
	pageLimit int
	maxPages  int
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient constructs a DAS client. authToken is sent as a bearer token when set.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: authToken,
		pageLimit: defaultPageLimit,
		maxPages:  10,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type dasAsset struct {
	ID          string `json:"id"`
	Compression struct {
		Compressed  bool   `json:"compressed"`
		Tree        string `json:"tree"`
		LeafID      uint32 `json:"leaf_id"`
		DataHash    string `json:"data_hash"`
		CreatorHash string `json:"creator_hash"`
	} `json:"compression"`
	Ownership struct {
		Owner    string  `json:"owner"`
		Delegate *string `json:"delegate"`
	} `json:"ownership"`
	Burnt bool `json:"burnt"`
}

type assetPage struct {
	Total int        `json:"total"`
	Limit int        `json:"limit"`
	Page  int        `json:"page"`
	Items []dasAsset `json:"items"`
}

type dasProof struct {
	Root      string   `json:"root"`
	Proof     []string `json:"proof"`
	NodeIndex uint64   `json:"node_index"`
	Leaf      string   `json:"leaf"`
	TreeID    string   `json:"tree_id"`
}

// AssetsByOwner lists the owner's compressed, unburnt assets in index order.
func (c *Client) AssetsByOwner(ctx context.Context, owner solana.PublicKey) ([]types.CompressedAssetRecord, error) {
	var out []types.CompressedAssetRecord
	for page := 1; page <= c.maxPages; page++ {
		params := map[string]interface{}{
			"ownerAddress": owner.String(),
			"page":         page,
			"limit":        c.pageLimit,
		}
		var result assetPage
		if err := c.call(ctx, "getAssetsByOwner", params, &result); err != nil {
			return nil, err
		}
		for _, item := range result.Items {
			if !item.Compression.Compressed || item.Burnt {
				continue
			}
			rec, err := item.record()
			if err != nil {
				return nil, fmt.Errorf("asset %s: %w", item.ID, err)
			}
			out = append(out, rec)
		}
		if len(result.Items) < c.pageLimit {
			break
		}
	}
	return out, nil
}

// AssetProof fetches the current inclusion proof of an asset.
func (c *Client) AssetProof(ctx context.Context, assetID solana.PublicKey) (types.InclusionProof, error) {
	var result dasProof
	if err := c.call(ctx, "getAssetProof", map[string]interface{}{"id": assetID.String()}, &result); err != nil {
		return types.InclusionProof{}, err
	}
	var proof types.InclusionProof
	var err error
	if proof.Root, err = decodeHash(result.Root); err != nil {
		return types.InclusionProof{}, fmt.Errorf("proof root: %w", err)
	}
	if result.Leaf != "" {
		if proof.Leaf, err = decodeHash(result.Leaf); err != nil {
			return types.InclusionProof{}, fmt.Errorf("proof leaf: %w", err)
		}
	}
	if result.TreeID != "" {
		if proof.Tree, err = solana.PublicKeyFromBase58(result.TreeID); err != nil {
			return types.InclusionProof{}, fmt.Errorf("proof tree: %w", err)
		}
	}
	proof.Siblings = make([][32]byte, len(result.Proof))
	for i, node := range result.Proof {
		if proof.Siblings[i], err = decodeHash(node); err != nil {
			return types.InclusionProof{}, fmt.Errorf("proof node %d: %w", i, err)
		}
	}
	return proof, nil
}

func (a dasAsset) record() (types.CompressedAssetRecord, error) {
	var (
		rec types.CompressedAssetRecord
		err error
	)
	if rec.ID, err = solana.PublicKeyFromBase58(a.ID); err != nil {
		return rec, err
	}
	if rec.Owner, err = solana.PublicKeyFromBase58(a.Ownership.Owner); err != nil {
		return rec, fmt.Errorf("owner: %w", err)
	}
	if a.Ownership.Delegate != nil && *a.Ownership.Delegate != "" {
		if rec.Delegate, err = solana.PublicKeyFromBase58(*a.Ownership.Delegate); err != nil {
			return rec, fmt.Errorf("delegate: %w", err)
		}
	}
	if rec.Tree, err = solana.PublicKeyFromBase58(a.Compression.Tree); err != nil {
		return rec, fmt.Errorf("tree: %w", err)
	}
	rec.LeafIndex = a.Compression.LeafID
	if rec.DataHash, err = decodeHash(a.Compression.DataHash); err != nil {
		return rec, fmt.Errorf("data hash: %w", err)
	}
	if rec.CreatorHash, err = decodeHash(a.Compression.CreatorHash); err != nil {
		return rec, fmt.Errorf("creator hash: %w", err)
	}
	return rec, nil
}

// decodeHash parses a base58 32-byte hash as returned by DAS providers.
func decodeHash(raw string) ([32]byte, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(key), nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("das %s: %w: %v", method, types.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("das %s: %w: status=%d", method, types.ErrIndexUnavailable, resp.StatusCode)
	}
	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("das %s: %w: decode: %v", method, types.ErrIndexUnavailable, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("das %s: %w: %s", method, types.ErrIndexUnavailable, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return fmt.Errorf("das %s: %w: empty result", method, types.ErrIndexUnavailable)
	}
	return json.Unmarshal(rpcResp.Result, out)
}
