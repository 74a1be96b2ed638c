// Package units converts fiat order amounts into settlement-network base units.
//
// Fiat amounts are whole currency units held as int64. Token amounts are
// big.Int in the network's smallest unit (DefaultDecimals places). The
// exchange rate is an integer number of milli-tokens per fiat unit, so the
// conversion never touches floating point.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the base-unit precision of the settlement token.
const DefaultDecimals = 18

// MilliScale is the fixed-point scale of an exchange rate.
const MilliScale = 1000

var (
	ErrInvalidRate   = errors.New("units: invalid exchange rate")
	ErrInvalidAmount = errors.New("units: invalid amount")
)

// Rate is tokens-per-fiat-unit scaled by MilliScale.
type Rate int64

// ParseRate parses a decimal rate such as "0.125" into milli-units.
// Precision beyond three decimal places is rejected rather than rounded.
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRate, err)
	}
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidRate)
	}
	scaled := d.Mul(decimal.NewFromInt(MilliScale))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than 3 decimal places", ErrInvalidRate)
	}
	return Rate(scaled.IntPart()), nil
}

// String renders the rate back in decimal form.
func (r Rate) String() string {
	return decimal.New(int64(r), -3).String()
}

// Converter turns fiat amounts into token base units.
type Converter struct {
	rate     Rate
	decimals int
}

// NewConverter creates a converter for the given rate and token decimals.
func NewConverter(rate Rate, decimals int) *Converter {
	if decimals <= 0 {
		decimals = DefaultDecimals
	}
	return &Converter{rate: rate, decimals: decimals}
}

// ToBaseUnits returns fiat * rate * 10^decimals / 1000.
func (c *Converter) ToBaseUnits(fiat int64) (*big.Int, error) {
	if fiat < 0 {
		return nil, ErrInvalidAmount
	}
	out := new(big.Int).Mul(big.NewInt(fiat), big.NewInt(int64(c.rate)))
	out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.decimals)), nil))
	out.Quo(out, big.NewInt(MilliScale))
	return out, nil
}

// Decimals returns the token precision the converter was built with.
func (c *Converter) Decimals() int {
	return c.decimals
}

// ParseBase parses a non-negative integer base-unit string.
// Empty input is zero.
func ParseBase(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return v, true
}

// FormatBase renders base units as a human-readable token amount with the
// given precision, trimming trailing zeros ("1.5", "0", "0.000001").
func FormatBase(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, int32(-decimals)).String()
}
