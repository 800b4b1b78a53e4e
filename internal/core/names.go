package core

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeName produces the key used to join census and spending data: trimmed and upper-cased.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// DisplayName turns a normalized key such as "SAN PATRICIO" into "San Patricio".
// Casers keep state, so each call gets its own.
func DisplayName(name string) string {
	return cases.Title(language.English).String(strings.ToLower(strings.TrimSpace(name)))
}
