package telemetry

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	// maxErrorLength caps persisted error messages so one oversized
	// failure cannot bloat the event log.
	maxErrorLength = 500
)

// secretPattern matches key=value style credentials embedded in error text.
var secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret|password|passwd|auth|authorization|bearer)[\s:=]+["']?([^\s"']+)`)

// sensitiveQueryParams are URL query parameters redacted from persisted URLs.
var sensitiveQueryParams = map[string]bool{
	"api_key":      true,
	"apikey":       true,
	"token":        true,
	"access_token": true,
	"secret":       true,
	"key":          true,
	"password":     true,
	"auth":         true,
}

// SanitiseError strips credentials and URL secrets from an error message
// before it is persisted. Remote-path failures often embed the full
// request URL, which may carry signed query parameters or key material.
func SanitiseError(message string) string {
	if message == "" {
		return ""
	}

	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")

	for _, field := range strings.Fields(message) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			message = strings.ReplaceAll(message, field, SanitiseURL(field))
		}
	}

	return TruncateString(message, maxErrorLength)
}

// SanitiseURL removes user credentials and sensitive query parameters
// from a URL.
func SanitiseURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" {
		return "[INVALID_URL]"
	}

	parsedURL.User = nil

	if parsedURL.RawQuery != "" {
		query := parsedURL.Query()
		for key := range query {
			keyLower := strings.ToLower(key)
			if sensitiveQueryParams[keyLower] || strings.Contains(keyLower, "key") || strings.Contains(keyLower, "token") {
				query.Set(key, "[REDACTED]")
			}
		}
		parsedURL.RawQuery = query.Encode()
	}

	return parsedURL.String()
}

// TruncateString truncates a string to maxLen with an ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
