// Package errors sanitizes error messages before they reach API clients.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file system paths
	filePathPattern = regexp.MustCompile(`/[a-zA-Z0-9_\-./]+`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match backend and credential details that must never
	// reach a client
	backendPattern = regexp.MustCompile(`(?i)(clickhouse|redis:|kafka:|dial tcp|connection string|dsn=|password=|secret=|bot[_-]?token=|api[_-]?key=)`)
)

// ProductionMode selects sanitized errors. The gateway sets it from
// config at startup; development keeps raw errors for debugging.
var ProductionMode = false

// SanitizeError strips sensitive detail from an error before it is
// returned to a client. Outside production mode the error passes
// through unchanged.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}

	if !ProductionMode {
		return err
	}

	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString strips sensitive detail from a message string.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	// Keep only the final path element
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Keep the first two octets for debugging context
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	// Backend addresses, DSNs and credentials collapse to one message
	if backendPattern.MatchString(s) {
		s = "dependency operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal error"
	}

	return s
}

// WrapSanitized wraps an error with context and sanitizes the result.
func WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return SanitizeError(fmt.Errorf("%s: %w", message, err))
}

// NewSanitized creates a sanitized error from a format string.
func NewSanitized(format string, args ...interface{}) error {
	return SanitizeError(fmt.Errorf(format, args...))
}

// IsProduction reports whether sanitization is active.
func IsProduction() bool {
	return ProductionMode
}

// SetProductionMode sets the sanitization flag. Call once during
// gateway initialization.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// userFacingErrors are messages a client is meant to see; they pass
// through SafeErrorMessage untouched.
var userFacingErrors = []string{
	"unauthorized",
	"forbidden",
	"not found",
	"invalid request",
	"invalid json",
	"invalid policy",
	"validation failed",
	"payload too large",
	"batch size exceeds",
	"no events provided",
	"queue is full",
	"rate limit",
}

// SafeErrorMessage returns a message safe to embed in an API response.
// Known user-facing errors pass through; everything else is sanitized.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacingErrors {
		if strings.Contains(lower, safe) {
			return msg
		}
	}

	return SanitizeString(msg)
}
