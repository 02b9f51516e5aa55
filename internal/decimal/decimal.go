// Package decimal provides the fixed-point number type used for every price,
// volume and balance in the simulator.
package decimal

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"tradesim/internal/errors"
)

// Precision is the number of fractional digits every value is rounded to.
const Precision int32 = 32

// Decimal is an immutable fixed-point number. The zero value is 0.
type Decimal struct {
	value decimal.Decimal
}

// Common values.
var (
	Zero = Decimal{}
	One  = FromInt(1)
)

func wrap(d decimal.Decimal) Decimal {
	return Decimal{value: d.Round(Precision)}
}

// New parses a numeric string such as "-12.5" or "0.0001".
func New(s string) (Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Zero, errors.NewValidationError("decimal", s, "empty value", errors.ErrInvalidDecimal)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Zero, errors.NewValidationError("decimal", s, "not a number", errors.ErrInvalidDecimal)
	}
	return wrap(d), nil
}

// Must is like New but panics on invalid input.
func Must(s string) Decimal {
	d, err := New(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NewFromFloat converts a float, rejecting NaN and infinities.
func NewFromFloat(f float64) (Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero, errors.NewValidationError("decimal", f, "non-finite value", errors.ErrInvalidDecimal)
	}
	return wrap(decimal.NewFromFloat(f)), nil
}

// MustFromFloat is like NewFromFloat but panics on invalid input.
func MustFromFloat(f float64) Decimal {
	d, err := NewFromFloat(f)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt converts an integer.
func FromInt(i int64) Decimal {
	return Decimal{value: decimal.NewFromInt(i)}
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) Decimal {
	return wrap(d.value.Add(o.value))
}

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) Decimal {
	return wrap(d.value.Sub(o.value))
}

// Mul returns d * o rounded half away from zero.
func (d Decimal) Mul(o Decimal) Decimal {
	return wrap(d.value.Mul(o.value))
}

// Div returns d / o rounded half away from zero.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.value.IsZero() {
		return Zero, errors.Wrapf(errors.ErrDivisionByZero, "dividing %s", d)
	}
	return Decimal{value: d.value.DivRound(o.value, Precision)}, nil
}

// MustDiv is like Div but panics when o is zero.
func (d Decimal) MustDiv(o Decimal) Decimal {
	q, err := d.Div(o)
	if err != nil {
		panic(err)
	}
	return q
}

// Neg returns -d.
func (d Decimal) Neg() Decimal {
	return Decimal{value: d.value.Neg()}
}

// Abs returns |d|.
func (d Decimal) Abs() Decimal {
	return Decimal{value: d.value.Abs()}
}

// Cmp returns -1, 0 or +1.
func (d Decimal) Cmp(o Decimal) int {
	return d.value.Cmp(o.value)
}

func (d Decimal) Equal(o Decimal) bool              { return d.Cmp(o) == 0 }
func (d Decimal) GreaterThan(o Decimal) bool        { return d.Cmp(o) > 0 }
func (d Decimal) GreaterThanOrEqual(o Decimal) bool { return d.Cmp(o) >= 0 }
func (d Decimal) LessThan(o Decimal) bool           { return d.Cmp(o) < 0 }
func (d Decimal) LessThanOrEqual(o Decimal) bool    { return d.Cmp(o) <= 0 }

func (d Decimal) IsZero() bool     { return d.value.IsZero() }
func (d Decimal) IsNegative() bool { return d.value.IsNegative() }
func (d Decimal) IsPositive() bool { return d.value.IsPositive() }

// Sign returns -1, 0 or +1.
func (d Decimal) Sign() int {
	return d.value.Sign()
}

// Float64 returns the nearest float, which may lose precision.
func (d Decimal) Float64() float64 {
	return d.value.InexactFloat64()
}

// String renders d without trailing fractional zeros.
func (d Decimal) String() string {
	s := d.value.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		return "0"
	}
	return s
}

// StringFixed renders d with exactly places fractional digits.
func (d Decimal) StringFixed(places int32) string {
	return d.value.StringFixed(places)
}

// Min returns the smallest of the given values.
func Min(first Decimal, rest ...Decimal) Decimal {
	m := first
	for _, d := range rest {
		if d.LessThan(m) {
			m = d
		}
	}
	return m
}

// Max returns the largest of the given values.
func Max(first Decimal, rest ...Decimal) Decimal {
	m := first
	for _, d := range rest {
		if d.GreaterThan(m) {
			m = d
		}
	}
	return m
}

// Sum adds all values.
func Sum(values ...Decimal) Decimal {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// MarshalJSON encodes d as a JSON string.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts both JSON strings and numbers.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" {
		*d = Zero
		return nil
	}
	parsed, err := New(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value stores d as TEXT.
func (d Decimal) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan reads TEXT, REAL or INTEGER columns.
func (d *Decimal) Scan(src interface{}) error {
	var (
		parsed Decimal
		err    error
	)
	switch v := src.(type) {
	case nil:
		parsed = Zero
	case string:
		parsed, err = New(v)
	case []byte:
		parsed, err = New(string(v))
	case float64:
		parsed, err = NewFromFloat(v)
	case int64:
		parsed = FromInt(v)
	default:
		err = fmt.Errorf("scanning %T into decimal: %w", src, errors.ErrInvalidDecimal)
	}
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
