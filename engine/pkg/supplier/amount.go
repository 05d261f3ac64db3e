package supplier

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Denom is the chain's base denomination.
const Denom = "upokt"

const upoktExponent = 6

var maxUpokt = decimal.NewFromUint64(^uint64(0))

// MaxStakeUpokt is the largest stake a request may carry. Stakes are persisted
// as signed 64-bit integers.
const MaxStakeUpokt uint64 = math.MaxInt64

var maxStakeUpokt = decimal.NewFromUint64(MaxStakeUpokt)

// ToUpokt converts a POKT amount to upokt. Amounts with more precision than
// one upokt, negative amounts and amounts above MaxStakeUpokt are rejected.
func ToUpokt(pokt decimal.Decimal) (uint64, error) {
	if pokt.IsNegative() {
		return 0, errors.New("amount must not be negative")
	}
	upokt := pokt.Shift(upoktExponent)
	if !upokt.Equal(upokt.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", pokt.String(), upoktExponent)
	}
	if upokt.GreaterThan(maxStakeUpokt) {
		return 0, fmt.Errorf("amount %s is too large", pokt.String())
	}
	return upokt.BigInt().Uint64(), nil
}

// FromUpokt converts upokt to POKT.
func FromUpokt(upokt uint64) decimal.Decimal {
	return decimal.NewFromUint64(upokt).Shift(-upoktExponent)
}

// ParseAmount parses a base-10 integer amount as returned by the chain
// gateway (e.g. "15000000000").
func ParseAmount(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) || d.GreaterThan(maxUpokt) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return d.BigInt().Uint64(), nil
}

// FormatCoin renders an upokt amount as a chain coin string.
func FormatCoin(upokt uint64) string {
	return fmt.Sprintf("%d%s", upokt, Denom)
}
