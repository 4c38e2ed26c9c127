// Package keys normalizes user-facing names into map keys.
package keys

import (
	"strings"

	"golang.org/x/text/cases"
)

// Fold returns the case-insensitive key for a jail or area name.
// A fresh Caser is used per call since cases.Caser is not safe for concurrent use.
func Fold(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
