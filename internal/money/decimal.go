// Package money implements the engine's exact decimal arithmetic. Every
// price, quantity, and balance in the engine passes through a Decimal;
// binary floating point never appears on a value path.
package money

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the maximum number of significant decimal digits a Decimal
// may carry. Operations that would exceed it are rounded half-down
// (ties truncate toward zero) to fit.
const Precision = 28

// ErrMalformedDecimal is returned by Parse when the input text is not a
// valid decimal number.
var ErrMalformedDecimal = errors.New("money: malformed decimal text")

// Decimal is an exact, arbitrary-precision signed decimal clamped to
// Precision significant digits.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{d: decimal.Zero}

// FromInt builds a Decimal from a whole number.
func FromInt(i int64) Decimal {
	return Decimal{d: decimal.NewFromInt(i)}
}

// Parse reads canonical decimal text ("123.45000", "-10", "0") into a
// Decimal. It is the only operation in this package that can fail.
func Parse(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, ErrMalformedDecimal
	}
	return clamp(d), nil
}

// MustParse is Parse without an error return, for constants in tests and
// seed data whose text is known to be well-formed.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the canonical decimal text for d.
func (d Decimal) String() string {
	return d.d.String()
}

// MarshalJSON encodes d as a JSON string of its canonical text, matching
// the wire contract that "all monetary fields are canonical decimal text".
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.d.String() + `"`), nil
}

// UnmarshalJSON decodes a JSON string of canonical decimal text.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return ErrMalformedDecimal
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Add returns d + other, clamped to Precision.
func (d Decimal) Add(other Decimal) Decimal {
	return clamp(d.d.Add(other.d))
}

// Sub returns d - other, clamped to Precision.
func (d Decimal) Sub(other Decimal) Decimal {
	return clamp(d.d.Sub(other.d))
}

// Mul returns d * other, clamped to Precision. The unclamped scale is the
// sum of the input scales, per the precision design note.
func (d Decimal) Mul(other Decimal) Decimal {
	return clamp(d.d.Mul(other.d))
}

// Cmp returns -1, 0, or 1 as d is less than, equal to, or greater than
// other, giving Decimal a total order.
func (d Decimal) Cmp(other Decimal) int {
	return d.d.Cmp(other.d)
}

// Min returns the lesser of a and b.
func Min(a, b Decimal) Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the greater of a and b.
func Max(a, b Decimal) Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool { return d.d.IsZero() }

// IsPositive reports whether d is strictly greater than zero.
func (d Decimal) IsPositive() bool { return d.d.IsPositive() }

// IsNegative reports whether d is strictly less than zero.
func (d Decimal) IsNegative() bool { return d.d.IsNegative() }

// clamp rounds d to at most Precision significant digits using half-down
// rounding: ties (a dropped remainder of exactly one half) truncate toward
// zero rather than rounding away from it, matching §4.1's "round-half-down
// with truncation on overflow" rule.
func clamp(d decimal.Decimal) Decimal {
	coeff := d.Coefficient()
	digits := significantDigits(coeff)
	if digits <= Precision {
		return Decimal{d: d}
	}

	excess := digits - Precision
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(excess)), nil)

	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.QuoRem(coeff, divisor, remainder)

	doubled := new(big.Int).Abs(remainder)
	doubled.Mul(doubled, big.NewInt(2))
	if doubled.Cmp(divisor) > 0 {
		if quotient.Sign() >= 0 {
			quotient.Add(quotient, big.NewInt(1))
		} else {
			quotient.Sub(quotient, big.NewInt(1))
		}
	}
	// doubled == divisor is an exact tie: left as the truncated quotient,
	// i.e. rounded down toward zero.

	return Decimal{d: decimal.NewFromBigInt(quotient, d.Exponent()+int32(excess))}
}

func significantDigits(v *big.Int) int {
	abs := new(big.Int).Abs(v)
	if abs.Sign() == 0 {
		return 1
	}
	return len(abs.Text(10))
}
