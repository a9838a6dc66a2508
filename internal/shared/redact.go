// Package shared holds small cross-cutting helpers used by more than one
// component: secret redaction for logs/audit trail, and trace-id plumbing.
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event/error
// strings, plus Plaid's own unresolved `{plaid-secret{KEY}}` interpolation
// form — a config value that still carries the placeholder at log time
// means interpolation hasn't happened yet, and the raw form should never
// reach a sink either way.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`\{plaid-secret\{[^}]+\}\}`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with
// [REDACTED]. Used before anything reaches the audit log or the process
// log sink.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns [REDACTED] if key looks like it names a secret,
// else returns value unchanged.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
