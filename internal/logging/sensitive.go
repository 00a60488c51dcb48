// Package logging provides masking helpers that keep credentials and user
// message content out of log output and outbound notifications.
package logging

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// SensitiveFields contains field names that should be masked in logs.
var SensitiveFields = map[string]bool{
	"password":       true,
	"passwd":         true,
	"pass":           true,
	"secret":         true,
	"token":          true,
	"api_key":        true,
	"apikey":         true,
	"access_token":   true,
	"private_key":    true,
	"client_secret":  true,
	"credentials":    true,
	"auth":           true,
	"authorization":  true,
	"bearer":         true,
	"session_id":     true,
	"cookie":         true,
	"x-api-key":      true,
	"db_password":    true,
	"redis_password": true,
	"sasl_password":  true,
	"bot_token":      true,
	"webhook_url":    true,
	"webhook":        true,
	"hmac_secret":    true,
	"signing_secret": true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}

	lowerField := strings.ToLower(fieldName)

	// Check exact match
	if SensitiveFields[lowerField] {
		return MaskedValue
	}

	// Check if field name contains any sensitive keywords
	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return MaskedValue
		}
	}

	return value
}

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return true
	}

	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}

	return false
}

// MaskString masks a portion of a sensitive string, showing only first/last chars.
// Useful for partial visibility in debugging while protecting the value.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}

	length := len(s)

	// If string is too short, mask completely
	if length <= showFirst+showLast+3 {
		return MaskedValue
	}

	masked := s[:showFirst] + "***" + s[length-showLast:]
	return masked
}

// MaskPassword completely masks a password value.
func MaskPassword(password string) string {
	if password == "" {
		return ""
	}
	return MaskedValue
}

// MaskAPIKey masks an API key, showing only first 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskWebhookURL hides the path of a webhook URL. Discord and Slack embed
// the delivery token in the path, so only scheme and host survive.
func MaskWebhookURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return MaskedValue
	}
	return u.Scheme + "://" + u.Host + "/***"
}

// contentLinkPattern finds http(s) links in raw message text. Case-insensitive
// because it runs on raw content, before any normalization.
var contentLinkPattern = regexp.MustCompile(`(?i)https?://\S+`)

// RedactContent replaces user message text with a placeholder carrying only
// its length and the domains of any links it contains. Campaign content never
// leaves the process verbatim through logs or notification channels.
func RedactContent(content string) string {
	if content == "" {
		return ""
	}

	matches := contentLinkPattern.FindAllString(content, -1)
	if len(matches) == 0 {
		return fmt.Sprintf("[redacted %d chars]", len(content))
	}

	seen := make(map[string]bool, len(matches))
	domains := make([]string, 0, len(matches))
	for _, m := range matches {
		d := linkDomain(m)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	if len(domains) == 0 {
		return fmt.Sprintf("[redacted %d chars]", len(content))
	}
	return fmt.Sprintf("[redacted %d chars, links: %s]", len(content), strings.Join(domains, ", "))
}

// linkDomain strips scheme, path, port and userinfo from a matched link.
func linkDomain(link string) string {
	s := link
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	for _, sep := range []string{"/", "?", "#"} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.Trim(s, "."))
}

// SensitivePatterns contains regex patterns for sensitive data in raw strings.
var SensitivePatterns = []*regexp.Regexp{
	// API keys and tokens (common formats)
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|auth)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	// Basic auth
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	// AWS keys
	regexp.MustCompile(`(?i)(AKIA|ABIA|ACCA|AGPA|AIDA|AIPA|AKIA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
	// Bot tokens and JWTs (three dot-separated base64url segments)
	regexp.MustCompile(`[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{6,}\.[A-Za-z0-9_-]{20,}`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s

	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}

	return result
}

// SafeLogValue returns a safe-to-log version of a value based on field name.
func SafeLogValue(fieldName string, value interface{}) interface{} {
	if value == nil {
		return nil
	}

	if !IsSensitiveField(fieldName) {
		return value
	}

	switch v := value.(type) {
	case string:
		return MaskedValue
	case []byte:
		return MaskedValue
	case []string:
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	default:
		return MaskedValue
	}
}
