// Package money implements fixed-point monetary amounts with two fractional
// digits. It uses integer math (minor units) to avoid floating point errors;
// rounding is half-up and happens once, at ingress.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAmount is returned when a value cannot be parsed as a
// two-decimal monetary amount.
var ErrInvalidAmount = errors.New("invalid amount")

// Amount is a monetary value in cents (EUR minor units).
type Amount struct {
	Cents int64 `json:"cents"`
}

// FromCents builds an Amount from minor units.
func FromCents(c int64) Amount {
	return Amount{Cents: c}
}

// Parse converts a decimal string into an Amount, rounding half-up to two
// fractional digits. Accepts an optional leading sign and any number of
// fraction digits; thousands separators are rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	cents := whole * 100
	if fracPart != "" {
		for _, r := range fracPart {
			if r < '0' || r > '9' {
				return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
			}
		}
		// Two digits carry over directly; the third decides the half-up round.
		padded := fracPart + "000"
		hundredths, _ := strconv.ParseInt(padded[:2], 10, 64)
		cents += hundredths
		if padded[2] >= '5' {
			cents++
		}
	}

	if neg {
		cents = -cents
	}
	return Amount{Cents: cents}, nil
}

// FromFloat converts a float into an Amount via its shortest decimal
// representation, so 100.135 rounds to 100.14 rather than tripping over
// binary representation noise.
func FromFloat(v float64) (Amount, error) {
	return Parse(strconv.FormatFloat(v, 'f', -1, 64))
}

// MustParse is Parse for compile-time constants in tests and defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount with exactly two fractional digits, '.'
// separator, no thousands separator. This is the canonical wire form.
func (a Amount) String() string {
	c := a.Cents
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{Cents: a.Cents + b.Cents}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{Cents: a.Cents - b.Cents}
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Cents == 0 }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a.Cents < 0 }
