package compression

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

var (
	BubblegumProgramID          = solana.MustPublicKeyFromBase58("BGUMAp9Gq7iTEuizy4pqaxsTyUCBK68MDfK752saRPUY")
	AccountCompressionProgramID = solana.MustPublicKeyFromBase58("cmtDvXumGCrqC1Age74AVPhSRVXJMd8PJS91L8KbNCK")
	NoopProgramID               = solana.MustPublicKeyFromBase58("noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV")
	TokenMetadataProgramID      = solana.MustPublicKeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

	transferDiscriminator         = anchorDiscriminator("transfer")
	mintToCollectionDiscriminator = anchorDiscriminator("mint_to_collection_v1")
)

const leafSchemaVersionV1 = 1

func anchorDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// TreeAuthority derives the Bubblegum config PDA for a tree.
func TreeAuthority(tree solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{tree.Bytes()}, BubblegumProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("tree authority: %w", err)
	}
	return addr, nil
}

// CollectionSigner derives the PDA Bubblegum uses to sign collection CPIs.
func CollectionSigner() (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("collection_cpi")}, BubblegumProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("collection signer: %w", err)
	}
	return addr, nil
}

// AssetID derives the asset id of the leaf minted at nonce in tree.
func AssetID(tree solana.PublicKey, nonce uint64) (solana.PublicKey, error) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], nonce)
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("asset"), tree.Bytes(), le[:]}, BubblegumProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("asset id: %w", err)
	}
	return addr, nil
}

// LeafHash recomputes the V1 leaf schema hash of an asset record.
func LeafHash(asset types.CompressedAssetRecord) Node {
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], uint64(asset.LeafIndex))
	delegate := asset.EffectiveDelegate()
	var out Node
	copy(out[:], ethcrypto.Keccak256(
		[]byte{leafSchemaVersionV1},
		asset.ID.Bytes(),
		asset.Owner.Bytes(),
		delegate.Bytes(),
		nonce[:],
		asset.DataHash[:],
		asset.CreatorHash[:],
	))
	return out
}

// RewardTransfer carries everything needed to reassign a compressed asset.
type RewardTransfer struct {
	Asset       types.CompressedAssetRecord
	Proof       types.InclusionProof
	CanopyDepth uint32
	NewOwner    solana.PublicKey
}

// BuildTransfer builds the Bubblegum ownership reassignment. The proof is
// truncated by the canopy depth and appended as read-only remaining accounts.
// The instruction is only valid while Proof.Root is still in the tree's
// changelog; a stale root is rejected by the ledger.
func BuildTransfer(rt RewardTransfer) (solana.Instruction, error) {
	if rt.NewOwner.IsZero() {
		return nil, fmt.Errorf("%w: new owner required", types.ErrInvalidInput)
	}
	if rt.Asset.Owner.IsZero() {
		return nil, fmt.Errorf("%w: asset owner required", types.ErrInvalidInput)
	}
	tree := rt.Asset.Tree
	if tree.IsZero() {
		tree = rt.Proof.Tree
	}
	authority, err := TreeAuthority(tree)
	if err != nil {
		return nil, err
	}
	path, err := TruncateProof(rt.Proof.Siblings, rt.CanopyDepth)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, false, false),
		solana.NewAccountMeta(rt.Asset.Owner, false, true),
		solana.NewAccountMeta(rt.Asset.EffectiveDelegate(), false, false),
		solana.NewAccountMeta(rt.NewOwner, false, false),
		solana.NewAccountMeta(tree, true, false),
		solana.NewAccountMeta(NoopProgramID, false, false),
		solana.NewAccountMeta(AccountCompressionProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	for _, node := range path {
		accounts = append(accounts, solana.NewAccountMeta(solana.PublicKeyFromBytes(node[:]), false, false))
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(transferDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(rt.Proof.Root[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(rt.Asset.DataHash[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(rt.Asset.CreatorHash[:], false); err != nil {
		return nil, err
	}
	// nonce and index are both the leaf index for trees minted sequentially
	if err := enc.WriteUint64(uint64(rt.Asset.LeafIndex), bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(rt.Asset.LeafIndex, bin.LE); err != nil {
		return nil, err
	}
	return solana.NewInstruction(BubblegumProgramID, accounts, buf.Bytes()), nil
}

// Creator is a royalty recipient recorded in compressed metadata.
type Creator struct {
	Address  solana.PublicKey `yaml:"address"`
	Verified bool             `yaml:"verified"`
	Share    uint8            `yaml:"share"`
}

// MetadataArgs is the subset of Bubblegum metadata the shop mints with.
// Uses is always None and the token standard is always NonFungible.
type MetadataArgs struct {
	Name                 string
	Symbol               string
	URI                  string
	SellerFeeBasisPoints uint16
	PrimarySaleHappened  bool
	IsMutable            bool
	EditionNonce         *uint8
	Collection           solana.PublicKey
	Creators             []Creator
}

const (
	tokenStandardNonFungible    = 0
	tokenProgramVersionOriginal = 0
)

func (m MetadataArgs) encode(enc *bin.Encoder) error {
	if err := enc.WriteString(m.Name); err != nil {
		return err
	}
	if err := enc.WriteString(m.Symbol); err != nil {
		return err
	}
	if err := enc.WriteString(m.URI); err != nil {
		return err
	}
	if err := enc.WriteUint16(m.SellerFeeBasisPoints, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBool(m.PrimarySaleHappened); err != nil {
		return err
	}
	if err := enc.WriteBool(m.IsMutable); err != nil {
		return err
	}
	if m.EditionNonce == nil {
		if err := enc.WriteUint8(0); err != nil {
			return err
		}
	} else {
		if err := enc.WriteUint8(1); err != nil {
			return err
		}
		if err := enc.WriteUint8(*m.EditionNonce); err != nil {
			return err
		}
	}
	// token_standard: Some(NonFungible)
	if err := enc.WriteUint8(1); err != nil {
		return err
	}
	if err := enc.WriteUint8(tokenStandardNonFungible); err != nil {
		return err
	}
	if m.Collection.IsZero() {
		if err := enc.WriteUint8(0); err != nil {
			return err
		}
	} else {
		if err := enc.WriteUint8(1); err != nil {
			return err
		}
		// verified is set by the program during mint_to_collection
		if err := enc.WriteBool(false); err != nil {
			return err
		}
		if err := enc.WriteBytes(m.Collection.Bytes(), false); err != nil {
			return err
		}
	}
	// uses: None
	if err := enc.WriteUint8(0); err != nil {
		return err
	}
	if err := enc.WriteUint8(tokenProgramVersionOriginal); err != nil {
		return err
	}
	if err := enc.WriteUint32(uint32(len(m.Creators)), bin.LE); err != nil {
		return err
	}
	for _, c := range m.Creators {
		if err := enc.WriteBytes(c.Address.Bytes(), false); err != nil {
			return err
		}
		if err := enc.WriteBool(c.Verified); err != nil {
			return err
		}
		if err := enc.WriteUint8(c.Share); err != nil {
			return err
		}
	}
	return nil
}

// CollectionMint names the verified collection a reward is minted into.
type CollectionMint struct {
	Tree               solana.PublicKey
	Mint               solana.PublicKey
	Metadata           solana.PublicKey
	MasterEdition      solana.PublicKey
	AuthorityRecordPDA solana.PublicKey
}

// BuildMintToCollection builds a Bubblegum mint_to_collection_v1 instruction
// minting a new leaf owned by owner. The shop pays, delegates the tree and
// acts as collection authority.
func BuildMintToCollection(shop, owner solana.PublicKey, col CollectionMint, meta MetadataArgs) (solana.Instruction, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: leaf owner required", types.ErrInvalidInput)
	}
	if col.Tree.IsZero() || col.Mint.IsZero() {
		return nil, fmt.Errorf("%w: tree and collection mint required", types.ErrInvalidInput)
	}
	authority, err := TreeAuthority(col.Tree)
	if err != nil {
		return nil, err
	}
	signer, err := CollectionSigner()
	if err != nil {
		return nil, err
	}
	record := col.AuthorityRecordPDA
	if record.IsZero() {
		// program id stands in for "no delegated authority record"
		record = BubblegumProgramID
	}
	meta.Collection = col.Mint

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(shop, false, false),
		solana.NewAccountMeta(col.Tree, true, false),
		solana.NewAccountMeta(shop, true, true),
		solana.NewAccountMeta(shop, false, true),
		solana.NewAccountMeta(shop, false, true),
		solana.NewAccountMeta(record, false, false),
		solana.NewAccountMeta(col.Mint, false, false),
		solana.NewAccountMeta(col.Metadata, true, false),
		solana.NewAccountMeta(col.MasterEdition, false, false),
		solana.NewAccountMeta(signer, false, false),
		solana.NewAccountMeta(NoopProgramID, false, false),
		solana.NewAccountMeta(AccountCompressionProgramID, false, false),
		solana.NewAccountMeta(TokenMetadataProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(mintToCollectionDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := meta.encode(enc); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return solana.NewInstruction(BubblegumProgramID, accounts, buf.Bytes()), nil
}
