package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are redacted by every handler built by SetupWriter.
var sensitiveKeys = map[string]struct{}{
	"signing_key":   {},
	"private_key":   {},
	"hmac_secret":   {},
	"jwt_secret":    {},
	"secret":        {},
	"token":         {},
	"authorization": {},
	"passphrase":    {},
	"password":      {},
}

// allowlist names keys MaskField never masks.
var allowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"error":     {},
	"component": {},
	"pair":      {},
	"source":    {},
	"tx_hash":   {},
	"address":   {},
	"caller":    {},
	"endpoint":  {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsSensitive reports whether values logged under key are always redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[normalizeKey(key)]
	return ok
}

// IsAllowlisted reports whether key is exempt from MaskField.
func IsAllowlisted(key string) bool {
	_, ok := allowlist[normalizeKey(key)]
	return ok
}

// MaskValue returns RedactedValue for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField masks value unless key is allowlisted. Use it for ad hoc fields
// whose sensitivity is not known up front.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// redactAttr is installed as part of the handler's ReplaceAttr hook.
func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
