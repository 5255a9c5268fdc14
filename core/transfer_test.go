package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/require"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

func transferRequest(t *testing.T, amount *big.Rat) types.TransferRequest {
	t.Helper()
	ref, err := NewReference()
	require.NoError(t, err)
	return types.TransferRequest{
		Payer:     solana.NewWallet().PublicKey(),
		Payee:     solana.NewWallet().PublicKey(),
		Mint:      solana.NewWallet().PublicKey(),
		Amount:    amount,
		Reference: ref,
	}
}

func TestTransferBuilderTagsReference(t *testing.T) {
	ledger := &stubLedger{decimals: 6}
	req := transferRequest(t, big.NewRat(15, 1))
	ix, err := NewTransferBuilder(ledger).Build(context.Background(), req)
	require.NoError(t, err)
	require.True(t, ix.ProgramID().Equals(token.ProgramID))

	accounts := ix.Accounts()
	require.Len(t, accounts, 5)
	source, _, _ := solana.FindAssociatedTokenAddress(req.Payer, req.Mint)
	destination, _, _ := solana.FindAssociatedTokenAddress(req.Payee, req.Mint)
	require.True(t, accounts[0].PublicKey.Equals(source))
	require.True(t, accounts[1].PublicKey.Equals(req.Mint))
	require.True(t, accounts[2].PublicKey.Equals(destination))
	require.True(t, accounts[3].PublicKey.Equals(req.Payer))
	require.True(t, accounts[3].IsSigner)

	ref := accounts[4]
	require.True(t, ref.PublicKey.Equals(req.Reference.PublicKey()))
	require.False(t, ref.IsSigner)
	require.False(t, ref.IsWritable)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, byte(12), data[0]) // TransferChecked
	require.Equal(t, uint64(15_000_000), binary.LittleEndian.Uint64(data[1:9]))
	require.Equal(t, byte(6), data[9])
}

func TestTransferBuilderRejects(t *testing.T) {
	ledger := &stubLedger{decimals: 2}
	builder := NewTransferBuilder(ledger)

	req := transferRequest(t, big.NewRat(1, 1000))
	_, err := builder.Build(context.Background(), req)
	require.ErrorIs(t, err, types.ErrInvalidAmount)

	req = transferRequest(t, big.NewRat(1, 1))
	req.Reference = types.PaymentReference{}
	_, err = builder.Build(context.Background(), req)
	require.ErrorIs(t, err, types.ErrInvalidInput)

	req = transferRequest(t, big.NewRat(1, 1))
	req.Payer = solana.PublicKey{}
	_, err = builder.Build(context.Background(), req)
	require.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestTransferBuilderMintErrors(t *testing.T) {
	ledger := &stubLedger{decimalsErr: errors.New("account not found")}
	_, err := NewTransferBuilder(ledger).Build(context.Background(), transferRequest(t, big.NewRat(1, 1)))
	require.ErrorIs(t, err, types.ErrMissingAccount)

	ledger.decimalsErr = types.Upstream("get account info", fmt.Errorf("timeout"))
	_, err = NewTransferBuilder(ledger).Build(context.Background(), transferRequest(t, big.NewRat(1, 1)))
	require.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	require.NotErrorIs(t, err, types.ErrMissingAccount)
}
