package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// Ledger is the subset of ledger RPC the envelope builders depend on.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (types.Blockhash, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	ResolveTokenAccount(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error)
}

// TransferBuilder builds SPL TransferChecked instructions tagged with a reference.
type TransferBuilder struct {
	ledger Ledger
}

// NewTransferBuilder returns a builder resolving accounts through ledger.
func NewTransferBuilder(ledger Ledger) *TransferBuilder {
	return &TransferBuilder{ledger: ledger}
}

// Build resolves both token accounts and the mint's decimals, then produces a
// TransferChecked moving req.Amount. The reference rides along as a read-only,
// non-signer account so the payment can be found later.
func (b *TransferBuilder) Build(ctx context.Context, req types.TransferRequest) (solana.Instruction, error) {
	if req.Payer.IsZero() {
		return nil, fmt.Errorf("%w: payer required", types.ErrInvalidInput)
	}
	if req.Payee.IsZero() || req.Mint.IsZero() {
		return nil, fmt.Errorf("%w: payee and mint required", types.ErrInvalidInput)
	}
	if req.Reference.IsZero() {
		return nil, fmt.Errorf("%w: reference required", types.ErrInvalidInput)
	}
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", types.ErrInvalidAmount)
	}

	decimals, err := b.ledger.MintDecimals(ctx, req.Mint)
	if err != nil {
		if errors.Is(err, types.ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: mint %s: %v", types.ErrMissingAccount, req.Mint, err)
	}
	units, err := ScaleAmount(req.Amount, decimals)
	if err != nil {
		return nil, err
	}
	source, err := b.ledger.ResolveTokenAccount(ctx, req.Payer, req.Mint)
	if err != nil {
		return nil, fmt.Errorf("resolve payer token account: %w", err)
	}
	destination, err := b.ledger.ResolveTokenAccount(ctx, req.Payee, req.Mint)
	if err != nil {
		return nil, fmt.Errorf("resolve payee token account: %w", err)
	}

	ix, err := token.NewTransferCheckedInstruction(
		units,
		decimals,
		source,
		req.Mint,
		destination,
		req.Payer,
		nil,
	).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}
	base := ix.Accounts()
	accounts := make(solana.AccountMetaSlice, 0, len(base)+1)
	accounts = append(accounts, base...)
	accounts = append(accounts, solana.NewAccountMeta(req.Reference.PublicKey(), false, false))
	return solana.NewInstruction(token.ProgramID, accounts, data), nil
}
