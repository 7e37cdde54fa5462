// Package tokens provides fixed-point token amounts used for stakes and
// subscription prices.
//
// Amounts carry 18 decimal places and are stored as unsigned 256-bit
// integers in the smallest unit (1 token = 10^18 units). They are never
// negative; arithmetic either saturates or reports underflow.
package tokens

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const Decimals = 18

var ErrInvalidAmount = errors.New("tokens: invalid amount")

// Amount is a non-negative token quantity.
type Amount struct {
	v uint256.Int
}

// Zero is the empty amount.
var Zero = Amount{}

// Max is the largest representable amount.
var Max = Amount{v: *new(uint256.Int).SetAllOne()}

// FromUnits builds an amount from smallest units.
func FromUnits(units uint64) Amount {
	var a Amount
	a.v.SetUint64(units)
	return a
}

// FromTokens builds an amount of whole tokens.
func FromTokens(n uint64) Amount {
	a, err := Parse(fmt.Sprintf("%d", n))
	if err != nil {
		return Max
	}
	return a
}

// Parse converts a decimal string (e.g. "1.5") to an amount.
//
//   - Empty string parses as zero
//   - Negative amounts and multiple decimal points are rejected
//   - Fractional digits beyond 18 places are truncated
//   - Values above 2^256-1 units are rejected
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, nil
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return Zero, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Zero, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return Zero, nil
	}
	v, err := uint256.FromDecimal(combined)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{v: *v}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseUnits parses a decimal count of smallest units.
func ParseUnits(s string) (Amount, error) {
	if s == "" {
		return Zero, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{v: *v}, nil
}

// Units returns the amount in smallest units as a decimal string.
func (a Amount) Units() string { return a.v.Dec() }

// String formats the amount in tokens with trailing zeros trimmed ("1.5", "100").
func (a Amount) String() string {
	s := a.v.Dec()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	whole, frac := s[:point], strings.TrimRight(s[point:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// SaturatingAdd returns a+b, or Max if the sum overflows.
func (a Amount) SaturatingAdd(b Amount) Amount {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Max
	}
	return out
}

// Sub returns a-b. ok is false (and a is returned) if b exceeds a.
func (a Amount) Sub(b Amount) (Amount, bool) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return a, false
	}
	return out, true
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// MarshalJSON encodes the amount as a decimal token string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal token string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: amount must be a string", ErrInvalidAmount)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as NUMERIC(78,0) smallest units.
func (a Amount) Value() (driver.Value, error) { return a.Units(), nil }

// Scan reads a NUMERIC column of smallest units.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	case int64:
		if v < 0 {
			return ErrInvalidAmount
		}
		*a = FromUnits(uint64(v))
		return nil
	default:
		return fmt.Errorf("tokens: cannot scan %T", src)
	}
}

func (a *Amount) scanString(s string) error {
	// NUMERIC(78,0) never carries a fraction, but tolerate "123.0".
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	parsed, err := ParseUnits(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
