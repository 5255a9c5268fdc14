package mintd

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/compression"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// Ledger is the subset of the RPC client the mint path needs.
type Ledger interface {
	FindReference(ctx context.Context, ref types.PaymentReference, finality types.Finality) (solana.Signature, error)
	LatestBlockhash(ctx context.Context) (types.Blockhash, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Minter submits mint_to_collection_v1 transactions signed by the shop.
type Minter struct {
	ledger     Ledger
	signer     core.Signer
	collection compression.CollectionMint
	metadata   compression.MetadataArgs
}

// NewMinter validates the collection and returns a minter.
func NewMinter(ledger Ledger, signer core.Signer, collection compression.CollectionMint, metadata compression.MetadataArgs) (*Minter, error) {
	if ledger == nil {
		return nil, fmt.Errorf("mintd: ledger required")
	}
	if signer == nil {
		return nil, fmt.Errorf("mintd: signer required")
	}
	if collection.Tree.IsZero() || collection.Mint.IsZero() {
		return nil, fmt.Errorf("mintd: collection tree and mint required")
	}
	return &Minter{ledger: ledger, signer: signer, collection: collection, metadata: metadata}, nil
}

// Mint issues a new compressed collectible to owner and returns the
// submitted transaction signature.
func (m *Minter) Mint(ctx context.Context, owner solana.PublicKey) (solana.Signature, error) {
	ix, err := compression.BuildMintToCollection(m.signer.PublicKey(), owner, m.collection, m.metadata)
	if err != nil {
		return solana.Signature{}, err
	}
	bh, err := m.ledger.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	env, err := core.SignEnvelope(ctx, m.signer, []solana.Instruction{ix}, bh)
	if err != nil {
		return solana.Signature{}, err
	}
	return m.ledger.Submit(ctx, env.Transaction)
}
