package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive field values in log output.
const RedactedValue = "[REDACTED]"

// Log keys whose values identify a counterparty or carry credentials. Bank
// account numbers get a partial mask so operators can still correlate
// transactions; everything else is blanked entirely.
var sensitiveKeys = map[string]struct{}{
	"accountnumber": {},
	"accountname":   {},
	"email":         {},
	"apikey":        {},
	"token":         {},
	"secret":        {},
	"signature":     {},
}

// Sensitive reports whether values logged under key must be redacted.
func Sensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskAccountNumber hides all but the last four digits of a bank account
// number.
func MaskAccountNumber(value string) string {
	digits := strings.TrimSpace(value)
	if len(digits) <= 4 {
		return digits
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}

// redactAttr is applied to every attribute the JSON handler emits.
func redactAttr(attr slog.Attr) slog.Attr {
	if !Sensitive(attr.Key) {
		return attr
	}
	if strings.EqualFold(attr.Key, "accountNumber") {
		return slog.String(attr.Key, MaskAccountNumber(attr.Value.String()))
	}
	return slog.String(attr.Key, RedactedValue)
}
