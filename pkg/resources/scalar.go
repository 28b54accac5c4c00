package resources

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Scalar is a fixed-point resource quantity with millis precision
// (three decimal places). All scalar arithmetic in the allocator is
// integral, so repeated add/subtract cycles are exact and order
// independent.
type Scalar int64

// millisPerUnit is the fixed-point denominator.
const millisPerUnit = 1000

var milliFactor = decimal.NewFromInt(millisPerUnit)

// ScalarFromFloat converts a floating-point quantity to a Scalar,
// rounding to the nearest milli.
func ScalarFromFloat(v float64) Scalar {
	return Scalar(decimal.NewFromFloat(v).Mul(milliFactor).Round(0).IntPart())
}

// ScalarFromInt converts a whole-unit quantity to a Scalar.
func ScalarFromInt(v int64) Scalar {
	return Scalar(v * millisPerUnit)
}

// ParseScalar parses a decimal string ("4", "0.5", "4096.25") into a
// Scalar. Precision beyond three decimal places is rejected rather
// than silently rounded.
func ParseScalar(s string) (Scalar, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid scalar %q: %w", s, err)
	}
	millis := d.Mul(milliFactor)
	if millis.IsNegative() {
		return 0, fmt.Errorf("invalid scalar %q: negative quantity", s)
	}
	if !millis.Equal(millis.Truncate(0)) {
		return 0, fmt.Errorf("invalid scalar %q: more than 3 decimal places", s)
	}
	return Scalar(millis.IntPart()), nil
}

// Float64 returns the quantity as a float. Intended for share
// computation and display, never for accounting.
func (s Scalar) Float64() float64 {
	return float64(s) / millisPerUnit
}

// String formats the quantity with trailing zeros trimmed, so that
// formatting and parsing round-trip.
func (s Scalar) String() string {
	whole := int64(s) / millisPerUnit
	frac := int64(s) % millisPerUnit
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	if frac < 0 {
		frac = -frac
	}
	out := fmt.Sprintf("%d.%03d", whole, frac)
	for out[len(out)-1] == '0' {
		out = out[:len(out)-1]
	}
	return out
}
