package schema

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// platformIDPattern defines the valid format for platform identifiers
// (message, channel, guild, user, attachment ids). Covers numeric
// snowflakes as well as opaque alphanumeric ids.
// Examples: "1148210987613432", "C024BE91L", "general"
var platformIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:_.-]{0,63}$`)

// attachmentHashPattern defines the valid format for attachment content
// fingerprints: lowercase hex, 8 to 128 characters.
var attachmentHashPattern = regexp.MustCompile(`^[a-f0-9]{8,128}$`)

// Validator handles validation of message events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
// Messages older than a day are pointless to moderate and are rejected.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("platform_id", func(fl validator.FieldLevel) bool {
		return platformIDPattern.MatchString(fl.Field().String())
	})

	v.RegisterValidation("attachment_hash", func(fl validator.FieldLevel) bool {
		return attachmentHashPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates a message event against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(event *MessageEvent) error {
	// Struct validation using go-playground/validator
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	// Timestamp bounds check
	now := time.Now().UTC()

	if event.ObservedAt.IsZero() {
		return fmt.Errorf("observed_at is required")
	}

	if event.ObservedAt.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("observed_at too old: %v (max age: %v)", event.ObservedAt, v.maxAge)
	}

	if event.ObservedAt.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("observed_at in future: %v (max future: %v)", event.ObservedAt, v.maxFuture)
	}

	if event.Author.ID == "" {
		return fmt.Errorf("author.id is required")
	}

	return nil
}

// ValidatePlatformID checks if an identifier matches the required format.
func ValidatePlatformID(id string) bool {
	return platformIDPattern.MatchString(id)
}

// ValidationDetails flattens a validation error into per-field messages
// suitable for quarantine records and 207 responses.
func ValidationDetails(err error) []string {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return details
}
