// Package macutil normalizes device identifiers the way the device
// context resolver requires: stripping separators, upper-casing, and
// passing through the special test/system/virtual prefixes unchanged.
package macutil

import "strings"

const hexDigits = "0123456789ABCDEF"

// specialPrefixes are device-identifier prefixes used by non-hardware
// devices (integration tests, synthetic sessions, virtual cameras). These
// are passed through upper-cased rather than validated as a 12-hex-digit MAC.
var specialPrefixes = []string{"TEST-", "SYSTEM:", "VIRTUAL:"}

// Normalize canonicalizes a raw device identifier as received over the wire.
// It strips ':', '-', and space separators, upper-cases the result, and
// requires exactly 12 hexadecimal characters — except for the special
// prefixes, which are upper-cased and returned unchanged. Returns ("", false)
// if raw does not normalize to a valid identifier.
func Normalize(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	upper := strings.ToUpper(trimmed)
	for _, prefix := range specialPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return upper, true
		}
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch r {
		case ':', '-', ' ':
			continue
		default:
			b.WriteRune(r)
		}
	}
	candidate := strings.ToUpper(b.String())
	if len(candidate) != 12 {
		return "", false
	}
	for _, r := range candidate {
		if !strings.ContainsRune(hexDigits, r) {
			return "", false
		}
	}
	return candidate, true
}
