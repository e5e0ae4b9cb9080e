package logging

import (
	"regexp"
)

// RedactedText is the replacement text for sensitive data.
const RedactedText = "[REDACTED]"

var (
	// Matches password=xxx, pwd=xxx, pass=xxx until the next delimiter.
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches user:pass@host credentials inside connection URLs.
	connStringPattern = regexp.MustCompile(`://[^:/]+:[^@]+@[^/\s]+`)

	// Matches the token segment of an inbound-webhook REST base:
	// https://portal.bitrix24.com/rest/<user>/<token>. The token is a
	// portal credential and must never reach the logs.
	webhookTokenPattern = regexp.MustCompile(`(/rest/\d+/)[A-Za-z0-9_]+`)
)

// SanitizeConnectionString removes credentials from a connection string
// before it is logged.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeWebhookURL masks the access token in a REST webhook base URL.
func SanitizeWebhookURL(url string) string {
	if url == "" {
		return ""
	}
	return webhookTokenPattern.ReplaceAllString(url, "${1}"+RedactedText)
}

// SanitizeError sanitizes an error message that might carry credentials,
// e.g. a failed connection attempt echoing the connection string.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	sanitized = webhookTokenPattern.ReplaceAllString(sanitized, "${1}"+RedactedText)

	return sanitized
}
