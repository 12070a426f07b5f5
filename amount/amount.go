// Package amount converts between human IDRX amounts and base units and does
// the overflow-checked basis-point math used for earnest deposits.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// Decimals is the precision of the IDRX token.
	Decimals = 18
	// EarnestBps is the earnest deposit locked by makeOffer (5%).
	EarnestBps = 500

	bpsDenominator = 10_000
)

var (
	// ErrInvalidAmount is returned for malformed, negative or over-precise input.
	ErrInvalidAmount = errors.New("amount: invalid amount")
	// ErrOverflow is returned when a value does not fit in 256 bits.
	ErrOverflow = errors.New("amount: overflow")
)

// Parse converts a decimal IDRX string such as "100" or "12.5" to base units.
func Parse(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal IDRX value to base units.
func FromDecimal(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: more than %d decimals", ErrInvalidAmount, Decimals)
	}
	out := shifted.BigInt()
	if out.BitLen() > 256 {
		return nil, ErrOverflow
	}
	return out, nil
}

// ToDecimal converts base units back to a decimal IDRX value.
func ToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

// Format renders base units as a trimmed decimal string ("105.5").
func Format(v *big.Int) string {
	return ToDecimal(v).String()
}

// Bps returns v * bps / 10000, rounded down.
func Bps(v *big.Int, bps uint64) (*big.Int, error) {
	x, err := toU256(v)
	if err != nil {
		return nil, err
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, uint256.NewInt(bps), uint256.NewInt(bpsDenominator))
	if overflow {
		return nil, ErrOverflow
	}
	return out.ToBig(), nil
}

// Earnest returns the earnest deposit locked when an offer of v is made.
func Earnest(v *big.Int) (*big.Int, error) {
	return Bps(v, EarnestBps)
}

// Remainder returns total - paid, refusing to go negative.
func Remainder(total, paid *big.Int) (*big.Int, error) {
	t, err := toU256(total)
	if err != nil {
		return nil, err
	}
	p, err := toU256(paid)
	if err != nil {
		return nil, err
	}
	out, underflow := new(uint256.Int).SubOverflow(t, p)
	if underflow {
		return nil, fmt.Errorf("%w: paid %s exceeds total %s", ErrInvalidAmount, Format(paid), Format(total))
	}
	return out.ToBig(), nil
}

// Covers reports whether have >= want. A nil have covers only a zero want.
func Covers(have, want *big.Int) bool {
	if want == nil || want.Sign() <= 0 {
		return true
	}
	if have == nil {
		return false
	}
	return have.Cmp(want) >= 0
}

func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}
