package core

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// NewReference returns a fresh payment reference. The private half of the
// keypair is discarded immediately; the reference never signs.
func NewReference() (types.PaymentReference, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return types.PaymentReference{}, fmt.Errorf("generate reference: %w", err)
	}
	return types.PaymentReference(key.PublicKey()), nil
}

// TransactionRequestURL encodes a wallet link for base + "/pay". The link
// carries query parameters, so it is percent-encoded after the scheme.
func TransactionRequestURL(base string, amount *big.Rat, ref types.PaymentReference) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return "", fmt.Errorf("%w: base URL %q must be absolute http(s)", types.ErrInvalidInput, base)
	}
	if ref.IsZero() {
		return "", fmt.Errorf("%w: reference required", types.ErrInvalidInput)
	}
	query := url.Values{}
	if amount != nil {
		query.Set("amount", FormatAmount(amount))
	}
	query.Set("reference", ref.String())
	parsed.Path += "/pay"
	parsed.RawQuery = query.Encode()
	return "solana:" + url.QueryEscape(parsed.String()), nil
}
