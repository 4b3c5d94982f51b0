package showrun

import (
	"regexp"
	"strings"
)

// SensitiveHeaders is the fixed blocklist, matched case-insensitively.
// These are redacted from every exposed capture and rejected as replay
// overrides.
var SensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"proxy-authorization": true,
}

const redactedPlaceholder = "[REDACTED]"

// redactPatterns scrub credential shapes from free text. RE2 only, so every
// pattern is linear-time.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)(Basic\s+)[A-Za-z0-9+/]+=*`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|token|password|secret|authorization)\s*[:=]\s*)[^\s&"',;]+`),
	regexp.MustCompile(`(://[^/\s:@]+:)[^/\s@]+(@)`),
}

// Redact scrubs bearer tokens, key=value credentials, and userinfo URLs
// from s. Every log line and error message leaves the engine through this.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "${1}"+redactedPlaceholder+"${2}")
	}
	return s
}

// RedactError returns the redacted message of err, or "" for nil.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}

// RedactHeaders copies headers with sensitive values replaced. Keys are
// preserved as authored; matching is case-insensitive.
func RedactHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if SensitiveHeaders[strings.ToLower(k)] {
			out[k] = redactedPlaceholder
		} else {
			out[k] = v
		}
	}
	return out
}

// IsSensitiveHeader reports whether name is on the blocklist.
func IsSensitiveHeader(name string) bool {
	return SensitiveHeaders[strings.ToLower(name)]
}
