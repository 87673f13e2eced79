// Package units parses and formats settlement amounts.
//
// Amounts use 18 decimal places and are held as *big.Int in base units
// (1 unit = 10^18 base units).
package units

import (
	"math/big"
	"strings"
)

const Decimals = 18

// One is 1.0 unit in base units.
var One = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string (e.g. "0.975") to base units.
// Returns (nil, false) on invalid input.
//
// Negative amounts and multiple decimal points are rejected. Digits past
// the 18th decimal are truncated. The empty string parses as zero.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, found := strings.Cut(s, ".")
	if found && strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}

	if len(frac) < Decimals {
		frac += strings.Repeat("0", Decimals-len(frac))
	}
	frac = frac[:Decimals]

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	return new(big.Int).SetString(whole+frac, 10)
}

// MustParse is Parse for constants in tests and defaults; it panics on
// malformed input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("units: invalid amount " + s)
	}
	return v
}

// ParseBase accepts an integer string of base units.
func ParseBase(s string) (*big.Int, bool) {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

// Format renders base units as a decimal string with trailing zeros of
// the fractional part removed ("0.975", "1", "0.000000000000000001").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) < Decimals+1 {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	cut := len(s) - Decimals
	whole, frac := s[:cut], strings.TrimRight(s[cut:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
