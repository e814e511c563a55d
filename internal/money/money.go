// Package money implements exact base-10 currency arithmetic for billing.
//
// Values never pass through binary floating point. Amounts are carried at full
// precision and rounded half-up to cents only where a value is stored or shown.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DivisionPrecision is the number of fractional digits kept by Div.
const DivisionPrecision = 20

// Places is the number of fractional digits in a stored amount.
const Places = 2

var (
	// ErrDivisionByZero is returned when dividing by a zero amount.
	ErrDivisionByZero = errors.New("money: division by zero")
	// ErrInvalidAmount is returned for text that does not parse as an amount.
	ErrInvalidAmount = errors.New("money: invalid amount")
)

// Zero is the additive identity.
var Zero = Money{}

// Money is an immutable decimal amount.
type Money struct {
	d decimal.Decimal
}

// New wraps a decimal value.
func New(d decimal.Decimal) Money { return Money{d: d} }

// FromInt builds a whole-unit amount.
func FromInt(v int64) Money { return Money{d: decimal.NewFromInt(v)} }

// FromCents builds an amount from minor units.
func FromCents(cents int64) Money { return Money{d: decimal.New(cents, -Places)} }

// Parse reads a plain decimal string such as "12.50" or "-3".
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Money{d: d}, nil
}

// MustParse is Parse for constants; it panics on bad input.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

var currencyReplacer = strings.NewReplacer(
	"$", "", "£", "", "€", "", "¥", "",
	"USD", "", "GBP", "", "EUR", "",
	",", "", " ", "", "\u00a0", "",
)

// ParseCurrency reads amounts as they appear on invoices, for example
// "$1,234.50", "GBP 12" or "(45.00)" for a credit.
func ParseCurrency(s string) (Money, error) {
	raw := strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		negative = true
		raw = raw[1 : len(raw)-1]
	}
	m, err := Parse(currencyReplacer.Replace(strings.ToUpper(raw)))
	if err != nil {
		return Zero, err
	}
	if negative {
		return m.Neg(), nil
	}
	return m, nil
}

// Decimal exposes the underlying value.
func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money { return Money{d: m.d.Neg()} }
func (m Money) Abs() Money { return Money{d: m.d.Abs()} }

// Mul multiplies by a decimal factor such as a quantity.
func (m Money) Mul(f decimal.Decimal) Money { return Money{d: m.d.Mul(f)} }

// MulInt multiplies by an integral quantity.
func (m Money) MulInt(n int64) Money { return Money{d: m.d.Mul(decimal.NewFromInt(n))} }

// Div divides by a decimal divisor, keeping DivisionPrecision digits.
func (m Money) Div(divisor decimal.Decimal) (Money, error) {
	if divisor.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return Money{d: m.d.DivRound(divisor, DivisionPrecision)}, nil
}

// DivInt divides by an integer.
func (m Money) DivInt(n int64) (Money, error) {
	return m.Div(decimal.NewFromInt(n))
}

// Percentage returns pct percent of m, e.g. Percentage(5) is 5%.
func (m Money) Percentage(pct decimal.Decimal) Money {
	return Money{d: m.d.Mul(pct).DivRound(decimal.NewFromInt(100), DivisionPrecision)}
}

// Round rounds half away from zero to cents.
func (m Money) Round() Money { return m.RoundTo(Places) }

// RoundTo rounds half away from zero to the given number of places.
func (m Money) RoundTo(places int32) Money { return Money{d: m.d.Round(places)} }

func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) LessThanOrEqual(o Money) bool { return m.d.LessThanOrEqual(o.d) }
func (m Money) IsZero() bool { return m.d.IsZero() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }

// WithinTolerance reports whether |m - o| <= tol.
func (m Money) WithinTolerance(o, tol Money) bool {
	return m.Sub(o).Abs().LessThanOrEqual(tol)
}

// Cents returns the amount in minor units after rounding.
func (m Money) Cents() int64 {
	return m.d.Round(Places).Shift(Places).IntPart()
}

// String renders the amount with exactly two decimals.
func (m Money) String() string { return m.d.StringFixed(Places) }

// Sum adds all values; an empty list sums to Zero.
func Sum(values ...Money) Money {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v.d)
	}
	return Money{d: total}
}

// Min returns the smallest value, or Zero for no input.
func Min(values ...Money) Money {
	if len(values) == 0 {
		return Zero
	}
	out := values[0]
	for _, v := range values[1:] {
		if v.LessThan(out) {
			out = v
		}
	}
	return out
}

// Max returns the largest value, or Zero for no input.
func Max(values ...Money) Money {
	if len(values) == 0 {
		return Zero
	}
	out := values[0]
	for _, v := range values[1:] {
		if v.GreaterThan(out) {
			out = v
		}
	}
	return out
}

// MarshalJSON encodes the amount as a quoted decimal string at the precision
// it holds. Rates keep their fractional digits; amounts are rounded before
// they reach a response.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.d.String() + `"`), nil
}

// UnmarshalJSON accepts quoted or bare decimal numbers.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	m.d = d
	return nil
}

// Scan reads NUMERIC columns.
func (m *Money) Scan(value any) error {
	if value == nil {
		m.d = decimal.Zero
		return nil
	}
	return m.d.Scan(value)
}

// Value writes the amount as text so the database parses it exactly.
func (m Money) Value() (driver.Value, error) {
	return m.d.String(), nil
}
