package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secret-bearing log values.
const RedactedValue = "[REDACTED]"

// Keys that carry credentials for the bridge provider, ledger endpoints or
// operator tokens. Matching is substring-based on the normalized key so
// "bridge_api_key" and "Authorization" are both caught.
var sensitiveKeyFragments = []string{
	"api_key",
	"apikey",
	"authorization",
	"bearer",
	"jwt",
	"password",
	"private_key",
	"secret",
	"token",
}

// SensitiveKey reports whether a log attribute key should never be emitted
// verbatim.
func SensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// redactAttr masks the value of any sensitive attribute while keeping the key
// so operators can still see that a credential was involved.
func redactAttr(attr slog.Attr) slog.Attr {
	if SensitiveKey(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
