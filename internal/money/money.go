// Package money provides integer minor-unit amounts and their decimal
// string form.
//
// All amounts are stored as int64 cents (1.00 = 100). Floating point is
// never used for currency arithmetic.
package money

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Decimals is the number of minor-unit digits.
const Decimals = 2

// MaxAmount is the largest amount the service accepts (9,999,999,999.99).
// Fee arithmetic on anything up to it stays well inside int64.
const MaxAmount Amount = 999_999_999_999

// ErrInvalidAmount is returned when a decimal string cannot be parsed.
var ErrInvalidAmount = errors.New("invalid amount")

// Amount is a monetary amount in minor units (cents).
type Amount int64

// Cents returns the amount as an int64 number of minor units.
func (a Amount) Cents() int64 { return int64(a) }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// Valid reports whether the amount is positive and at most MaxAmount.
func (a Amount) Valid() bool { return a > 0 && a <= MaxAmount }

// String formats the amount with exactly two decimal places.
func (a Amount) String() string { return Format(a) }

// MarshalJSON encodes the amount as a decimal string ("108.00").
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(Format(a))
}

// UnmarshalJSON accepts a decimal string or a JSON integer of minor units.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := Parse(s)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	var cents int64
	if err := json.Unmarshal(data, &cents); err != nil || Amount(cents) > MaxAmount {
		return ErrInvalidAmount
	}
	*a = Amount(cents)
	return nil
}

// Parse converts a decimal string (e.g. "100", "99.5", "12.34") to cents.
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than two fractional digits are rejected rather than truncated
//   - Amounts above MaxAmount are rejected
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" || len(frac) > Decimals {
			return 0, ErrInvalidAmount
		}
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	if !isDigits(whole) || !isDigits(frac) {
		return 0, ErrInvalidAmount
	}
	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil || Amount(v) > MaxAmount {
		return 0, ErrInvalidAmount
	}
	return Amount(v), nil
}

// MustParse is Parse for constant inputs in tests and defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic("money: invalid constant amount " + strconv.Quote(s))
	}
	return a
}

// Format converts cents to a decimal string with exactly two decimal places.
func Format(a Amount) string {
	v := int64(a)
	neg := v < 0
	if neg {
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
