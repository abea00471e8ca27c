// Package fixed implements the 18-decimal fixed-point arithmetic used by the
// engine's ledgers. Amounts are 256-bit unsigned integers; every product that
// could exceed 256 bits goes through MulDiv, which keeps a 512-bit
// intermediate and divides last.
//
// Conversions to and from shopspring/decimal exist only for the persistence
// and HTTP boundary. Never float64 for money.
package fixed

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by every ledger amount.
const Decimals = 18

// FeedDecimals is the number of fractional digits carried by price quotes.
const FeedDecimals = 8

var (
	ErrOverflow       = errors.New("fixed: arithmetic overflow")
	ErrUnderflow      = errors.New("fixed: arithmetic underflow")
	ErrDivisionByZero = errors.New("fixed: division by zero")
	ErrNegative       = errors.New("fixed: negative amount")
	ErrFractional     = errors.New("fixed: amount has more than 18 fractional digits")
)

var (
	// Precision is 1.0 in 18-decimal fixed point.
	Precision = uint256.NewInt(1_000_000_000_000_000_000)

	// AdditionalFeedPrecision rescales an 8-decimal price to 18 decimals.
	AdditionalFeedPrecision = uint256.NewInt(10_000_000_000)

	// Max is the largest representable amount.
	Max = new(uint256.Int).SetAllOne()
)

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Units returns n whole units expressed in 18-decimal fixed point.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Precision)
}

// MulDiv returns x*y/d truncated toward zero. The product is held in 512 bits
// so it never overflows; only a quotient wider than 256 bits is an error.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, x.Dec(), y.Dec(), d.Dec())
	}
	return z, nil
}

// Mul returns x*y, failing instead of wrapping.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// Add returns x+y, failing instead of wrapping.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// Sub returns x-y, failing instead of wrapping.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s", ErrUnderflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// ToDecimal converts a raw fixed-point integer to an exact decimal integer
// (no rescaling).
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), 0)
}

// FromDecimal converts an integer decimal back to a raw fixed-point integer.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNegative, d)
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("%w: %s", ErrFractional, d)
	}
	z, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return z, nil
}

// ToUnits renders a fixed-point amount in human units, e.g. 15e18 → 15.
func ToUnits(x *uint256.Int) decimal.Decimal {
	return ToDecimal(x).Shift(-Decimals)
}

// FromUnits parses a human-unit decimal into fixed point, e.g. 0.5 → 5e17.
func FromUnits(d decimal.Decimal) (*uint256.Int, error) {
	return FromDecimal(d.Shift(Decimals))
}

// ParseUnits parses a human-unit decimal string.
func ParseUnits(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return FromUnits(d)
}
