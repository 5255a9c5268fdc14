package types

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Finality is the ledger confirmation level required before a sighting counts.
type Finality string

const (
	FinalityProcessed Finality = "processed"
	FinalityConfirmed Finality = "confirmed"
	FinalityFinalized Finality = "finalized"
)

// ParseFinality validates a commitment name, defaulting to confirmed.
func ParseFinality(raw string) (Finality, error) {
	switch f := Finality(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FinalityConfirmed, nil
	case FinalityProcessed, FinalityConfirmed, FinalityFinalized:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown finality %q", ErrInvalidInput, raw)
	}
}

// PaymentReference is the opaque 32-byte tag appended to a transfer so the
// payment can be located on the ledger later. It is the public half of a
// throwaway keypair and never signs anything.
type PaymentReference solana.PublicKey

// ParseReference decodes a base58 reference.
func ParseReference(raw string) (PaymentReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentReference{}, fmt.Errorf("%w: reference required", ErrInvalidInput)
	}
	key, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return PaymentReference{}, fmt.Errorf("%w: reference: %v", ErrInvalidInput, err)
	}
	return PaymentReference(key), nil
}

// PublicKey returns the reference as an account key.
func (r PaymentReference) PublicKey() solana.PublicKey { return solana.PublicKey(r) }

// String returns the base58 form.
func (r PaymentReference) String() string { return solana.PublicKey(r).String() }

// IsZero reports whether the reference is unset.
func (r PaymentReference) IsZero() bool { return solana.PublicKey(r).IsZero() }

// ParseAddress decodes a base58 account address, classifying failures as invalid input.
func ParseAddress(field, raw string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: %s required", ErrInvalidInput, field)
	}
	key, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, field, err)
	}
	return key, nil
}

// TransferRequest describes a token payment from payer to payee.
type TransferRequest struct {
	Payer     solana.PublicKey
	Payee     solana.PublicKey
	Mint      solana.PublicKey
	Amount    *big.Rat
	Reference PaymentReference
}

// CompressedAssetRecord is the index's view of a compressed collectible. It is
// eventually consistent and may lag the ledger.
type CompressedAssetRecord struct {
	ID          solana.PublicKey
	Owner       solana.PublicKey
	Delegate    solana.PublicKey
	Tree        solana.PublicKey
	LeafIndex   uint32
	DataHash    [32]byte
	CreatorHash [32]byte
	Root        [32]byte
}

// EffectiveDelegate returns the delegate, falling back to the owner when unset.
func (a CompressedAssetRecord) EffectiveDelegate() solana.PublicKey {
	if a.Delegate.IsZero() {
		return a.Owner
	}
	return a.Delegate
}

// InclusionProof is a Merkle path ordered from the leaf-adjacent sibling to the
// root-adjacent sibling.
type InclusionProof struct {
	Leaf     [32]byte
	Root     [32]byte
	Siblings [][32]byte
	Tree     solana.PublicKey
}

// TreeState is the live on-chain view of a concurrent Merkle tree account.
type TreeState struct {
	Root          [32]byte
	MaxDepth      uint32
	MaxBufferSize uint32
	CanopyDepth   uint32
	Sequence      uint64
}

// Blockhash binds a transaction to a validity window.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// Envelope is a merchant-signed transaction still awaiting the payer signature.
type Envelope struct {
	Transaction          *solana.Transaction
	Serialized           []byte
	LastValidBlockHeight uint64
	Reward               bool
}

// Base64 returns the wire encoding handed to wallets.
func (e *Envelope) Base64() string {
	if e == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(e.Serialized)
}

// InstructionCount reports how many instructions the envelope carries.
func (e *Envelope) InstructionCount() int {
	if e == nil || e.Transaction == nil {
		return 0
	}
	return len(e.Transaction.Message.Instructions)
}
