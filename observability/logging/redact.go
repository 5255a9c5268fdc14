package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces credentials in log output.
const RedactedValue = "[REDACTED]"

// payment identifiers are public on chain and stay readable
var publicFields = map[string]struct{}{
	"reference": {},
	"signature": {},
	"account":   {},
	"payer":     {},
	"asset":     {},
	"tree":      {},
	"state":     {},
	"outcome":   {},
	"reason":    {},
	"error":     {},
}

func isPublicField(key string) bool {
	_, ok := publicFields[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns key with value replaced by RedactedValue, unless the key
// names a public payment field. Empty values pass through so an unset secret
// is visible as unset.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || isPublicField(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskEndpoint returns an RPC or index URL that is safe to log. Hosted
// Solana RPC and DAS providers carry API keys in userinfo or query
// parameters; those are replaced while host and path stay readable.
func MaskEndpoint(key, raw string) slog.Attr {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return slog.String(key, "")
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return slog.String(key, RedactedValue)
	}
	if u.User != nil {
		u.User = url.User(RedactedValue)
	}
	if u.RawQuery != "" {
		query := u.Query()
		for name := range query {
			if credentialParam(name) {
				query.Set(name, RedactedValue)
			}
		}
		u.RawQuery = query.Encode()
	}
	return slog.String(key, u.String())
}

func credentialParam(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range []string{"key", "token", "secret", "auth", "password"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
