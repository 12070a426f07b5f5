package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces masked attribute values.
const RedactedValue = "[REDACTED]"

// Keys that always pass through even when they contain a sensitive fragment
// ("token_contract" is an address, not a bearer token).
var plainKeys = map[string]bool{
	"service":        true,
	"env":            true,
	"message":        true,
	"severity":       true,
	"timestamp":      true,
	"error":          true,
	"reason":         true,
	"component":      true,
	"address":        true,
	"tx":             true,
	"escrow_id":      true,
	"offer_id":       true,
	"token_contract": true,
	"token_address":  true,
	"content_id":     true,
}

// Fragments marking secret material: session signatures, the keystore
// passphrase, vault payloads and the seller's repo and API credentials.
var sensitiveFragments = []string{
	"signature",
	"passphrase",
	"password",
	"private_key",
	"secret",
	"token",
	"api_key",
	"credentials",
	"encrypted",
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsSensitive reports whether a value logged under key must be masked.
func IsSensitive(key string) bool {
	k := normalizeKey(key)
	if plainKeys[k] {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// MaskField returns key with its value masked unless the key is one of the
// plain keys. Empty values are kept so missing fields stay visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || plainKeys[normalizeKey(key)] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redactAttr masks sensitive attributes of any kind, so a map logged with
// slog.Any("api_keys", m) is dropped whole.
func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString {
		return MaskField(attr.Key, attr.Value.String())
	}
	return slog.String(attr.Key, RedactedValue)
}
