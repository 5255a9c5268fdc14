package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/core/compression"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// DefaultMessage is shown by wallets next to the transaction request.
const DefaultMessage = "Powered by Monstrè! 👾"

// Signer produces the merchant's signature over a serialized message.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, payload []byte) (solana.Signature, error)
}

// RewardSource looks up a reward asset and its proof.
type RewardSource interface {
	Fetch(ctx context.Context, owner, tree solana.PublicKey) (*compression.Reward, error)
}

// RewardGate selects which conditions must hold before a reward rides along.
type RewardGate string

const (
	// GateAmountAndAsset requires the threshold to be met and an asset to be available.
	GateAmountAndAsset RewardGate = "amount_and_asset"
	// GateAsset attaches a reward whenever an asset is available.
	GateAsset RewardGate = "asset"
	// GateDisabled never attaches a reward.
	GateDisabled RewardGate = "disabled"
)

// ParseRewardGate validates a configured gate, defaulting to GateAmountAndAsset.
func ParseRewardGate(raw string) (RewardGate, error) {
	switch gate := RewardGate(strings.ToLower(strings.TrimSpace(raw))); gate {
	case "":
		return GateAmountAndAsset, nil
	case GateAmountAndAsset, GateAsset, GateDisabled:
		return gate, nil
	default:
		return "", fmt.Errorf("%w: unknown reward gate %q", types.ErrInvalidInput, raw)
	}
}

// RewardPolicy decides whether a payment is eligible for a reward transfer.
type RewardPolicy struct {
	Gate      RewardGate
	Threshold *big.Rat
	Tree      solana.PublicKey
}

// Eligible reports whether amount qualifies before asset availability is known.
func (p RewardPolicy) Eligible(amount *big.Rat) bool {
	if p.Tree.IsZero() {
		return false
	}
	switch p.Gate {
	case GateDisabled:
		return false
	case GateAsset:
		return true
	default:
		if p.Threshold == nil || amount == nil {
			return false
		}
		return amount.Cmp(p.Threshold) >= 0
	}
}

// Reward outcomes recorded on every assembled envelope.
const (
	RewardIncluded   = "included"
	RewardIneligible = "ineligible"
	RewardNoAsset    = "no_asset"
	RewardStale      = "stale_proof"
)

// CheckoutRequest is a wallet's request for a payment envelope.
type CheckoutRequest struct {
	Payer     solana.PublicKey
	Amount    *big.Rat
	Reference types.PaymentReference
}

// Assembly is the outcome of Assemble.
type Assembly struct {
	Envelope      *types.Envelope
	Message       string
	RewardOutcome string
}

// Assembler turns a checkout request into a merchant-signed envelope.
type Assembler struct {
	ledger    Ledger
	transfers *TransferBuilder
	rewards   RewardSource
	signer    Signer
	policy    RewardPolicy
	payee     solana.PublicKey
	mint      solana.PublicKey
	message   string
	logger    *slog.Logger
}

// AssemblerOption customises the assembler.
type AssemblerOption func(*Assembler)

// WithRewards enables reward lookups against src under policy.
func WithRewards(src RewardSource, policy RewardPolicy) AssemblerOption {
	return func(a *Assembler) {
		a.rewards = src
		a.policy = policy
	}
}

// WithMessage overrides the message returned with each envelope.
func WithMessage(msg string) AssemblerOption {
	return func(a *Assembler) { a.message = msg }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = logger }
}

// NewAssembler builds an assembler paying payee in mint, signing with signer.
func NewAssembler(ledger Ledger, signer Signer, payee, mint solana.PublicKey, opts ...AssemblerOption) (*Assembler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("assembler: ledger required")
	}
	if signer == nil {
		return nil, fmt.Errorf("assembler: signer required")
	}
	if payee.IsZero() || mint.IsZero() {
		return nil, fmt.Errorf("assembler: payee and mint required")
	}
	a := &Assembler{
		ledger:    ledger,
		transfers: NewTransferBuilder(ledger),
		signer:    signer,
		payee:     payee,
		mint:      mint,
		message:   DefaultMessage,
		policy:    RewardPolicy{Gate: GateDisabled},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// Assemble decides on the instruction list, binds one blockhash, and applies
// the merchant's partial signature. The payer's signature slot is left empty.
func (a *Assembler) Assemble(ctx context.Context, req CheckoutRequest) (*Assembly, error) {
	transfer, err := a.transfers.Build(ctx, types.TransferRequest{
		Payer:     req.Payer,
		Payee:     a.payee,
		Mint:      a.mint,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		return nil, err
	}
	instructions := []solana.Instruction{transfer}

	reward, outcome, err := a.rewardInstruction(ctx, req)
	if err != nil {
		return nil, err
	}
	if reward != nil {
		instructions = append(instructions, reward)
	}

	bh, err := a.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	env, err := a.sign(ctx, instructions, bh)
	if err != nil {
		return nil, err
	}
	env.Reward = reward != nil
	return &Assembly{Envelope: env, Message: a.message, RewardOutcome: outcome}, nil
}

func (a *Assembler) rewardInstruction(ctx context.Context, req CheckoutRequest) (solana.Instruction, string, error) {
	if a.rewards == nil || !a.policy.Eligible(req.Amount) {
		return nil, RewardIneligible, nil
	}
	shop := a.signer.PublicKey()
	var (
		found *compression.Reward
		err   error
	)
	// one refetch lets a lagging index catch up before the reward is dropped
	for attempt := 0; attempt < 2; attempt++ {
		found, err = a.rewards.Fetch(ctx, shop, a.policy.Tree)
		if !errors.Is(err, types.ErrStaleProof) {
			break
		}
		a.logger.Warn("reward proof stale", "reference", req.Reference.String(), "attempt", attempt+1, "error", err)
	}
	switch {
	case errors.Is(err, types.ErrAssetNotFound):
		return nil, RewardNoAsset, nil
	case errors.Is(err, types.ErrStaleProof):
		return nil, RewardStale, nil
	case err != nil:
		return nil, "", err
	}

	ix, err := compression.BuildTransfer(compression.RewardTransfer{
		Asset:       found.Asset,
		Proof:       found.Proof,
		CanopyDepth: found.Tree.CanopyDepth,
		NewOwner:    req.Payer,
	})
	if err != nil {
		a.logger.Warn("reward transfer not built", "reference", req.Reference.String(), "error", err)
		return nil, RewardStale, nil
	}
	return ix, RewardIncluded, nil
}

func (a *Assembler) sign(ctx context.Context, instructions []solana.Instruction, bh types.Blockhash) (*types.Envelope, error) {
	return SignEnvelope(ctx, a.signer, instructions, bh)
}

// SignEnvelope compiles instructions with the signer as fee payer and applies
// its signature. Other required signature slots are left zeroed.
func SignEnvelope(ctx context.Context, signer Signer, instructions []solana.Instruction, bh types.Blockhash) (*types.Envelope, error) {
	if len(instructions) == 0 {
		return nil, types.ErrEmptyEnvelope
	}
	shop := signer.PublicKey()
	tx, err := solana.NewTransaction(instructions, bh.Hash, solana.TransactionPayer(shop))
	if err != nil {
		return nil, fmt.Errorf("compile transaction: %w", err)
	}
	if len(tx.Message.Instructions) == 0 {
		return nil, types.ErrEmptyEnvelope
	}
	payload, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	sig, err := signer.Sign(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("merchant signature: %w", err)
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, required)
	placed := false
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(shop) {
			tx.Signatures[i] = sig
			placed = true
			break
		}
	}
	if !placed {
		return nil, fmt.Errorf("merchant %s is not a required signer", shop)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &types.Envelope{
		Transaction:          tx,
		Serialized:           raw,
		LastValidBlockHeight: bh.LastValidBlockHeight,
	}, nil
}
