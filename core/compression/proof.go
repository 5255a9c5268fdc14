package compression

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// AssetIndex is the eventually-consistent compressed asset index.
type AssetIndex interface {
	AssetsByOwner(ctx context.Context, owner solana.PublicKey) ([]types.CompressedAssetRecord, error)
	AssetProof(ctx context.Context, assetID solana.PublicKey) (types.InclusionProof, error)
}

// TreeReader reads the live concurrent Merkle tree account.
type TreeReader interface {
	TreeState(ctx context.Context, tree solana.PublicKey) (types.TreeState, error)
}

// Reward is a reward-eligible asset together with everything needed to move it.
type Reward struct {
	Asset types.CompressedAssetRecord
	Proof types.InclusionProof
	Tree  types.TreeState
}

// ProofFetcher locates an owner's asset in a tree and fetches its inclusion proof.
type ProofFetcher struct {
	index AssetIndex
	trees TreeReader
}

// NewProofFetcher wires the fetcher to its collaborators.
func NewProofFetcher(index AssetIndex, trees TreeReader) *ProofFetcher {
	return &ProofFetcher{index: index, trees: trees}
}

// Fetch returns the first asset owned by owner in tree, in index order. The
// proof is checked for internal consistency; an inconsistent proof yields
// ErrStaleProof. No match yields ErrAssetNotFound. Transport failures against
// the index are reported as ErrIndexUnavailable and never as "no asset".
func (f *ProofFetcher) Fetch(ctx context.Context, owner, tree solana.PublicKey) (*Reward, error) {
	if f == nil || f.index == nil || f.trees == nil {
		return nil, fmt.Errorf("proof fetcher not configured")
	}
	assets, err := f.index.AssetsByOwner(ctx, owner)
	if err != nil {
		return nil, indexError("assets by owner", err)
	}
	var asset *types.CompressedAssetRecord
	for i := range assets {
		if assets[i].Tree.Equals(tree) {
			asset = &assets[i]
			break
		}
	}
	if asset == nil {
		return nil, types.ErrAssetNotFound
	}

	proof, err := f.index.AssetProof(ctx, asset.ID)
	if err != nil {
		return nil, indexError("asset proof", err)
	}
	if proof.Tree.IsZero() {
		proof.Tree = tree
	}
	state, err := f.trees.TreeState(ctx, tree)
	if err != nil {
		return nil, types.Upstream("tree state", err)
	}
	if err := CheckProof(*asset, proof, state); err != nil {
		return nil, err
	}
	asset.Root = proof.Root
	return &Reward{Asset: *asset, Proof: proof, Tree: state}, nil
}

// CheckProof verifies that the record's leaf hashes up through the proof to
// the root the proof declares, and that the path length matches the tree.
func CheckProof(asset types.CompressedAssetRecord, proof types.InclusionProof, state types.TreeState) error {
	if state.MaxDepth != 0 && uint32(len(proof.Siblings)) != state.MaxDepth {
		return fmt.Errorf("%w: proof has %d nodes, tree depth %d", types.ErrStaleProof, len(proof.Siblings), state.MaxDepth)
	}
	if state.CanopyDepth > uint32(len(proof.Siblings)) {
		return fmt.Errorf("%w: canopy depth %d exceeds proof", types.ErrStaleProof, state.CanopyDepth)
	}
	leaf := LeafHash(asset)
	if proof.Leaf != (Node{}) && proof.Leaf != leaf {
		return fmt.Errorf("%w: leaf hash does not match asset record", types.ErrStaleProof)
	}
	if !VerifyProof(proof.Root, leaf, asset.LeafIndex, proof.Siblings) {
		return fmt.Errorf("%w: path does not reach root", types.ErrStaleProof)
	}
	return nil
}

func indexError(op string, err error) error {
	if errors.Is(err, types.ErrUpstreamUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, types.ErrIndexUnavailable, err)
}
