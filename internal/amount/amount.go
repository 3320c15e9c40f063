// Package amount provides i128 amount parsing and formatting.
//
// Ledger amounts are signed 128-bit integers in the asset's smallest unit
// (1 unit = 10^7 stroops for classic assets). They are carried as *big.Int
// and range-checked at every boundary.
package amount

import (
	"math/big"
	"strings"
)

// Decimals is the display precision of classic ledger assets.
const Decimals = 7

var (
	// MaxI128 is 2^127 - 1.
	MaxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	// MinI128 is -2^127.
	MinI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// InRange reports whether x fits in an i128.
func InRange(x *big.Int) bool {
	return x != nil && x.Cmp(MinI128) >= 0 && x.Cmp(MaxI128) <= 0
}

// Parse converts a base-10 integer string in smallest units ("1000",
// "-5") to a *big.Int. Returns (nil, false) on malformed or out-of-range
// input. Unlike ParseDecimal, no fractional part is accepted.
func Parse(s string) (*big.Int, bool) {
	if s == "" || strings.HasPrefix(s, "+") {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !InRange(v) {
		return nil, false
	}
	return v, true
}

// ParseDecimal converts a human decimal string (e.g. "1.5") into smallest
// units (15000000). Negative amounts and more than one decimal point are
// rejected; extra fractional digits are truncated.
func ParseDecimal(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || !InRange(result) {
		return nil, false
	}
	return result, true
}

// Format renders smallest units with exactly 7 decimal places
// (15000000 -> "1.5000000").
func Format(x *big.Int) string {
	if x == nil {
		return "0.0000000"
	}
	neg := x.Sign() < 0
	s := new(big.Int).Abs(x).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// String renders x as a plain integer, "0" for nil.
func String(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
