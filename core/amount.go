package core

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// ParseAmount parses a non-negative decimal string such as "15.00".
func ParseAmount(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", types.ErrInvalidAmount)
	}
	if strings.ContainsAny(trimmed, "/eE") {
		return nil, fmt.Errorf("%w: %q is not a decimal", types.ErrInvalidAmount, trimmed)
	}
	amount, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal", types.ErrInvalidAmount, trimmed)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s is negative", types.ErrInvalidAmount, trimmed)
	}
	return amount, nil
}

// ScaleAmount converts amount into the mint's smallest unit. Amounts with more
// fractional digits than decimals are rejected rather than rounded.
func ScaleAmount(amount *big.Rat, decimals uint8) (uint64, error) {
	if amount == nil {
		return 0, fmt.Errorf("%w: amount required", types.ErrInvalidAmount)
	}
	if amount.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative amount", types.ErrInvalidAmount)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(amount, new(big.Rat).SetInt(factor))
	if !scaled.IsInt() {
		return 0, fmt.Errorf("%w: %s exceeds %d decimals", types.ErrInvalidAmount, amount.FloatString(int(decimals)+2), decimals)
	}
	units := scaled.Num()
	if !units.IsUint64() {
		return 0, fmt.Errorf("%w: amount overflows", types.ErrInvalidAmount)
	}
	return units.Uint64(), nil
}

// FormatAmount renders amount as a plain decimal without trailing zeros.
func FormatAmount(amount *big.Rat) string {
	if amount == nil {
		return "0"
	}
	if amount.IsInt() {
		return amount.Num().String()
	}
	// at most the 9 fractional digits any SPL mint supports
	s := amount.FloatString(9)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
