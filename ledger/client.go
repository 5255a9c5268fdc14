// Package ledger adapts the Solana JSON-RPC API to the checkout and mint flows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cutemonstersnft/solanapay-compression/core/compression"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// Client wraps a solana-go RPC client.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// Option customises the client.
type Option func(*options)

type options struct {
	timeout    time.Duration
	commitment rpc.CommitmentType
	headers    map[string]string
}

// WithTimeout bounds each HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithCommitment sets the commitment used for account reads.
func WithCommitment(c types.Finality) Option {
	return func(o *options) { o.commitment = rpc.CommitmentType(c) }
}

// WithHeaders adds headers to every request, e.g. provider API keys.
func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

// New dials endpoint. Outbound requests are traced with otelhttp.
func New(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("ledger: endpoint required")
	}
	cfg := options{timeout: 10 * time.Second, commitment: rpc.CommitmentConfirmed}
	for _, opt := range opts {
		opt(&cfg)
	}
	httpClient := &http.Client{
		Timeout:   cfg.timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	rpcClient := jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient:    httpClient,
		CustomHeaders: cfg.headers,
	})
	return &Client{rpc: rpc.NewWithCustomRPCClient(rpcClient), commitment: cfg.commitment}, nil
}

// LatestBlockhash returns a finalized blockhash and its validity height.
func (c *Client) LatestBlockhash(ctx context.Context) (types.Blockhash, error) {
	res, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return types.Blockhash{}, types.Upstream("get latest blockhash", err)
	}
	if res == nil || res.Value == nil {
		return types.Blockhash{}, types.Upstream("get latest blockhash", errors.New("empty result"))
	}
	return types.Blockhash{Hash: res.Value.Blockhash, LastValidBlockHeight: res.Value.LastValidBlockHeight}, nil
}

// MintDecimals reads the decimals field of an SPL mint account.
func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	data, owner, err := c.account(ctx, mint)
	if err != nil {
		return 0, err
	}
	if !owner.Equals(token.ProgramID) {
		return 0, fmt.Errorf("%w: %s is not a token mint", types.ErrMissingAccount, mint)
	}
	var decoded token.Mint
	if err := bin.NewBinDecoder(data).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("%w: decode mint %s: %v", types.ErrMissingAccount, mint, err)
	}
	if !decoded.IsInitialized {
		return 0, fmt.Errorf("%w: mint %s not initialized", types.ErrMissingAccount, mint)
	}
	return decoded.Decimals, nil
}

// ResolveTokenAccount derives the associated token account of owner for mint.
func (c *Client) ResolveTokenAccount(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: associated token account: %v", types.ErrInvalidInput, err)
	}
	return addr, nil
}

// referencePageSize bounds how many of the newest signatures are scanned for
// a successful payment.
const referencePageSize = 25

// FindReference returns the newest successful signature mentioning ref at
// the given finality. Transactions that failed on chain are not a payment
// and are skipped, so a later failure cannot hide an earlier payment.
func (c *Client) FindReference(ctx context.Context, ref types.PaymentReference, finality types.Finality) (solana.Signature, error) {
	limit := referencePageSize
	sigs, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, ref.PublicKey(), &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentType(finality),
	})
	if err != nil {
		return solana.Signature{}, types.Upstream("get signatures for address", err)
	}
	for _, sig := range sigs {
		if sig != nil && sig.Err == nil {
			return sig.Signature, nil
		}
	}
	return solana.Signature{}, types.ErrReferenceNotFound
}

// Submit sends a fully signed transaction.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

// TreeState decodes the live concurrent Merkle tree account.
func (c *Client) TreeState(ctx context.Context, tree solana.PublicKey) (types.TreeState, error) {
	data, owner, err := c.account(ctx, tree)
	if err != nil {
		return types.TreeState{}, err
	}
	if !owner.Equals(compression.AccountCompressionProgramID) {
		return types.TreeState{}, fmt.Errorf("%w: %s is not a merkle tree", types.ErrMissingAccount, tree)
	}
	acct, err := compression.DecodeTreeAccount(data)
	if err != nil {
		return types.TreeState{}, err
	}
	return acct.State(), nil
}

func (c *Client) account(ctx context.Context, key solana.PublicKey) ([]byte, solana.PublicKey, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, solana.PublicKey{}, fmt.Errorf("%w: %s", types.ErrMissingAccount, key)
		}
		return nil, solana.PublicKey{}, types.Upstream("get account info", err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, solana.PublicKey{}, fmt.Errorf("%w: %s", types.ErrMissingAccount, key)
	}
	return res.Value.Data.GetBinary(), res.Value.Owner, nil
}
