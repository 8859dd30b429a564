// Package identifier validates and generates the checksum-based hardware
// identifiers carried by every device: the 15-digit IMEI and the 19-22 digit
// SIM ICCID. Both end in a Luhn (mod 10) check digit.
//
// Everything in this package is pure. Callers persist anything they need to
// audit, such as a GenerationBatch, through their own storage.
package identifier

import (
	"errors"
	"fmt"
)

// ErrNotDigits is returned by LuhnCheckDigit for input that is empty or
// contains anything other than ASCII digits.
var ErrNotDigits = errors.New("identifier: input must be a non-empty string of ASCII digits")

// LuhnCheckDigit returns the digit that, appended to digits, makes the whole
// number Luhn-valid.
func LuhnCheckDigit(digits string) (int, error) {
	if !isDigits(digits) {
		return 0, fmt.Errorf("luhn check digit for %q: %w", digits, ErrNotDigits)
	}
	// The rightmost payload digit sits next to the check digit, so it is the
	// first one to be doubled.
	sum := luhnSum(digits, true)
	return (10 - sum%10) % 10, nil
}

// LuhnValid reports whether number (check digit included) passes the Luhn
// checksum. Non-digit or empty input is never valid.
func LuhnValid(number string) bool {
	if !isDigits(number) {
		return false
	}
	return luhnSum(number, false)%10 == 0
}

// luhnSum walks s from the right. When doubleFirst is set the rightmost digit
// is doubled, otherwise the second-from-right is.
func luhnSum(s string, doubleFirst bool) int {
	sum := 0
	double := doubleFirst
	for i := len(s) - 1; i >= 0; i-- {
		d := int(s[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
