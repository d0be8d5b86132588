package deposit

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MicroPerAlgo is the number of micro-units in one ALGO.
const MicroPerAlgo = 1_000_000

var (
	// DefaultMinAmount is the smallest deposit accepted when none is configured.
	DefaultMinAmount = decimal.RequireFromString("0.1")

	maxMicro = decimal.NewFromInt(math.MaxInt64)
)

// ParseAmount parses a user-entered ALGO amount and enforces the minimum.
func ParseAmount(input string, min decimal.Decimal) (decimal.Decimal, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: amount is required", ErrValidation)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: amount %q is not a number", ErrValidation, raw)
	}
	if amount.LessThan(min) {
		return decimal.Decimal{}, fmt.Errorf("%w: amount must be at least %s ALGO", ErrValidation, min.String())
	}
	if amount.Shift(6).Round(0).GreaterThan(maxMicro) {
		return decimal.Decimal{}, fmt.Errorf("%w: amount %s is too large", ErrValidation, amount.String())
	}
	return amount, nil
}

// MicroAlgos converts an ALGO amount to micro-units: round(amount * 1e6).
// The amount must already have passed ParseAmount.
func MicroAlgos(amount decimal.Decimal) uint64 {
	return uint64(amount.Shift(6).Round(0).IntPart())
}

// FormatMicroAlgos renders micro-units as a decimal ALGO string.
func FormatMicroAlgos(micro uint64) string {
	return decimal.NewFromInt(int64(micro)).Shift(-6).String()
}
