package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidLotNumber is returned for lot numbers that are not seven digits
// followed by "-10" or "-20".
var ErrInvalidLotNumber = errors.New("invalid lot number")

var lotNumberPattern = regexp.MustCompile(`^\d{7}-(10|20)$`)

// IsValidLotNumber reports whether lot matches the production order format,
// e.g. "1234567-10".
func IsValidLotNumber(lot string) bool {
	return lotNumberPattern.MatchString(lot)
}

// ValidateLotNumber returns ErrInvalidLotNumber wrapped with the offending
// value when lot is malformed.
func ValidateLotNumber(lot string) error {
	if !IsValidLotNumber(lot) {
		return fmt.Errorf("%w: %q (expected e.g. 1234567-10)", ErrInvalidLotNumber, lot)
	}
	return nil
}

// LotSuffix returns the "10" or "20" process suffix of a valid lot number,
// or "" when lot is malformed.
func LotSuffix(lot string) string {
	if !IsValidLotNumber(lot) {
		return ""
	}
	return lot[strings.LastIndexByte(lot, '-')+1:]
}
