package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// PartWidth is the width of both halves of an account id.
const PartWidth = 5

// ErrInvalidAccountFormat reports an account number or part that is not made of digits.
var ErrInvalidAccountFormat = errors.New("ledger: invalid account format")

// AccountID identifies a ledger account inside a branch.
type AccountID struct {
	GL string
	AC string
}

// Normalize right-justifies part to PartWidth, zero-padding on the left and
// keeping the rightmost PartWidth digits.
func Normalize(part string) (string, error) {
	return NormalizeWidth(part, PartWidth)
}

// NormalizeWidth is Normalize with an explicit width.
func NormalizeWidth(part string, width int) (string, error) {
	part = strings.TrimSpace(part)
	if part == "" || width <= 0 || !allDigits(part) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountFormat, part)
	}
	if len(part) < width {
		part = strings.Repeat("0", width-len(part)) + part
	}
	return part[len(part)-width:], nil
}

// NewAccountID normalizes both parts.
func NewAccountID(gl, ac string) (AccountID, error) {
	g, err := Normalize(gl)
	if err != nil {
		return AccountID{}, err
	}
	a, err := Normalize(ac)
	if err != nil {
		return AccountID{}, err
	}
	return AccountID{GL: g, AC: a}, nil
}

// MustAccountID panics on malformed input. Intended for configuration constants and tests.
func MustAccountID(gl, ac string) AccountID {
	id, err := NewAccountID(gl, ac)
	if err != nil {
		panic(err)
	}
	return id
}

// SplitAccount splits a 10-digit account number into its gl and ac halves.
func SplitAccount(number string) (AccountID, error) {
	number = strings.TrimSpace(number)
	if len(number) != 2*PartWidth || !allDigits(number) {
		return AccountID{}, fmt.Errorf("%w: %q", ErrInvalidAccountFormat, number)
	}
	return AccountID{GL: number[:PartWidth], AC: number[PartWidth:]}, nil
}

// ParseAccountID accepts either a 10-digit number or a "gl/ac" pair.
func ParseAccountID(s string) (AccountID, error) {
	if gl, ac, ok := strings.Cut(s, "/"); ok {
		return NewAccountID(gl, ac)
	}
	return SplitAccount(s)
}

// String renders the 10-digit account number.
func (a AccountID) String() string { return a.GL + a.AC }

// IsZero reports an unset id.
func (a AccountID) IsZero() bool { return a.GL == "" && a.AC == "" }

// Valid reports whether both parts are normalized.
func (a AccountID) Valid() bool {
	return len(a.GL) == PartWidth && len(a.AC) == PartWidth && allDigits(a.GL) && allDigits(a.AC)
}

// Equal compares normalized forms.
func (a AccountID) Equal(b AccountID) bool {
	na, errA := NewAccountID(a.GL, a.AC)
	nb, errB := NewAccountID(b.GL, b.AC)
	if errA != nil || errB != nil {
		return a == b
	}
	return na == nb
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
