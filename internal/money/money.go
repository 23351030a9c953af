// Package money implements the fixed-point amount type used by the ledger.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Scale is the number of fractional digits carried by every Money value.
const Scale = 2

var (
	// ErrParse reports input that is not a plain decimal amount.
	ErrParse = errors.New("money: invalid amount")
	// ErrOverflow reports a result outside the representable range.
	ErrOverflow = errors.New("money: amount out of range")
)

var (
	amountPattern = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)
	// 18 significant digits at scale 2.
	maxAbs = decimal.RequireFromString("9999999999999999.99")
)

// Money is a signed amount with two fractional digits. The zero value is 0.00.
type Money struct {
	d decimal.Decimal
}

// Zero is 0.00.
var Zero = Money{}

// Parse reads a plain decimal string. Extra fractional digits are rounded half-even.
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if !amountPattern.MatchString(s) {
		return Money{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	return fromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMinor builds an amount from minor units (cents, kobo).
func FromMinor(units int64) Money {
	return Money{d: decimal.New(units, -Scale)}
}

// FromDecimal normalizes an arbitrary decimal to scale 2.
func FromDecimal(d decimal.Decimal) (Money, error) {
	return fromDecimal(d)
}

func fromDecimal(d decimal.Decimal) (Money, error) {
	d = d.RoundBank(Scale)
	if d.Abs().GreaterThan(maxAbs) {
		return Money{}, ErrOverflow
	}
	return Money{d: d}, nil
}

// Add returns m+o.
func (m Money) Add(o Money) (Money, error) {
	return fromDecimal(m.d.Add(o.d))
}

// Sub returns m-o.
func (m Money) Sub(o Money) (Money, error) {
	return fromDecimal(m.d.Sub(o.d))
}

// Neg flips the sign.
func (m Money) Neg() Money { return Money{d: m.d.Neg()} }

// Abs drops the sign.
func (m Money) Abs() Money { return Money{d: m.d.Abs()} }

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

// Equal reports numeric equality.
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

func (m Money) IsZero() bool     { return m.d.IsZero() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }
func (m Money) Sign() int        { return m.d.Sign() }

// MulBasisPoints returns m × bps / 10000 rounded half-even. It is the only
// division the ledger path allows and is reserved for fee computation.
func (m Money) MulBasisPoints(bps int64) (Money, error) {
	if bps == 0 {
		return Zero, nil
	}
	v := m.d.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000))
	return fromDecimal(v)
}

// Decimal exposes the underlying value.
func (m Money) Decimal() decimal.Decimal { return m.d }

// String renders the wire format: two decimals, no grouping, ASCII point.
func (m Money) String() string { return m.d.StringFixed(Scale) }

// Format renders the amount with the grouping and decimal separator of the locale.
func (m Money) Format(tag language.Tag) string {
	p := message.NewPrinter(tag)
	abs := m.d.Abs()
	whole := abs.Truncate(0)
	frac := abs.Sub(whole).Shift(Scale).IntPart()

	sep := "."
	if sample := p.Sprintf("%.1f", 1.5); len(sample) == 3 {
		sep = sample[1:2]
	}
	out := p.Sprintf("%d", whole.IntPart()) + sep + fmt.Sprintf("%02d", frac)
	if m.d.IsNegative() {
		return "-" + out
	}
	return out
}

// MarshalJSON encodes the amount as a wire-format string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a JSON string or number.
func (m *Money) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*m = Zero
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Sum adds all amounts.
func Sum(values ...Money) (Money, error) {
	total := Zero
	for _, v := range values {
		next, err := total.Add(v)
		if err != nil {
			return Zero, err
		}
		total = next
	}
	return total, nil
}
