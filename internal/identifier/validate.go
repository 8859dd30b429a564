package identifier

import (
	"fmt"
	"strings"
)

const (
	// IMEILength is the exact digit count of an IMEI, check digit included.
	IMEILength = 15

	// ICCIDMinLength and ICCIDMaxLength bound the digit count of an ICCID.
	ICCIDMinLength = 19
	ICCIDMaxLength = 22
)

// Validation reasons. They are user-facing and end up in import reports.
const (
	ReasonRequired     = "is required"
	ReasonNotDigits    = "must contain only digits"
	ReasonIMEILength   = "must be 15 digits"
	ReasonICCIDLength  = "must be 19-22 digits"
	ReasonLuhnMismatch = "failed Luhn checksum"
)

// Field names used in FormatError.
const (
	FieldIMEI  = "imei"
	FieldICCID = "iccid"
)

// FormatError describes an identifier that does not satisfy its format rules.
type FormatError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateIMEI checks that s is exactly 15 ASCII digits with a valid Luhn
// check digit. The reason is empty when s is valid.
func ValidateIMEI(s string) (bool, string) {
	if err := CheckIMEI(s); err != nil {
		return false, err.Reason
	}
	return true, ""
}

// ValidateICCID checks that s is 19-22 ASCII digits with a valid Luhn check
// digit. The reason is empty when s is valid.
func ValidateICCID(s string) (bool, string) {
	if err := CheckICCID(s); err != nil {
		return false, err.Reason
	}
	return true, ""
}

// CheckIMEI is ValidateIMEI returning a typed error, nil when valid.
func CheckIMEI(s string) *FormatError {
	return check(FieldIMEI, s, IMEILength, IMEILength, ReasonIMEILength, true)
}

// CheckICCID is ValidateICCID returning a typed error, nil when valid.
func CheckICCID(s string) *FormatError {
	return check(FieldICCID, s, ICCIDMinLength, ICCIDMaxLength, ReasonICCIDLength, true)
}

// checkICCIDShape applies the ICCID digit and length rules without the
// checksum. Range bounds only need the right shape since their check digits
// are recomputed anyway.
func checkICCIDShape(s string) *FormatError {
	return check(FieldICCID, s, ICCIDMinLength, ICCIDMaxLength, ReasonICCIDLength, false)
}

func check(field, s string, minLen, maxLen int, lengthReason string, luhn bool) *FormatError {
	if s == "" {
		return &FormatError{Field: field, Value: s, Reason: ReasonRequired}
	}
	if !isDigits(s) {
		return &FormatError{Field: field, Value: s, Reason: ReasonNotDigits}
	}
	if len(s) < minLen || len(s) > maxLen {
		return &FormatError{Field: field, Value: s, Reason: lengthReason}
	}
	if luhn && !LuhnValid(s) {
		return &FormatError{Field: field, Value: s, Reason: ReasonLuhnMismatch}
	}
	return nil
}

// Normalize strips the artifacts spreadsheets leave around identifiers:
// surrounding whitespace, the ="..." text-forcing formula, quotes, inner
// spaces or dashes used as digit grouping, and the ".0" suffix a numeric
// cell gains when exported. Scientific notation is left alone so that it
// fails validation instead of silently losing digits.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	s = strings.Trim(s, `"'`)
	s = strings.TrimPrefix(s, "'")
	s = strings.NewReplacer(" ", "", "-", "", "\u00a0", "").Replace(s)
	if strings.HasSuffix(s, ".0") && isDigits(strings.TrimSuffix(s, ".0")) {
		s = strings.TrimSuffix(s, ".0")
	}
	return s
}
