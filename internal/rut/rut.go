// Package rut validates Chilean RUT identifiers (body plus modulus-11 check digit).
package rut

import (
	"strconv"
	"strings"
)

// clean keeps digits and K, uppercased.
func clean(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= '0' && r <= '9') || r == 'K' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CheckDigit computes the verifier for a numeric body.
func CheckDigit(body string) (string, bool) {
	if body == "" {
		return "", false
	}
	sum, factor := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		c := body[i]
		if c < '0' || c > '9' {
			return "", false
		}
		sum += int(c-'0') * factor
		factor++
		if factor == 8 {
			factor = 2
		}
	}
	switch dv := 11 - sum%11; dv {
	case 11:
		return "0", true
	case 10:
		return "K", true
	default:
		return strconv.Itoa(dv), true
	}
}

// Valid reports whether s is a RUT with a correct check digit. Dots,
// dashes and spaces are ignored.
func Valid(s string) bool {
	c := clean(s)
	if len(c) < 2 {
		return false
	}
	dv, ok := CheckDigit(c[:len(c)-1])
	return ok && dv == c[len(c)-1:]
}

// Normalize formats a valid RUT as "12345678-5". Invalid input is returned unchanged.
func Normalize(s string) string {
	if !Valid(s) {
		return s
	}
	c := clean(s)
	return strings.TrimLeft(c[:len(c)-1], "0") + "-" + c[len(c)-1:]
}
