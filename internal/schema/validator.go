package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator handles validation of alerts against the canonical schema.
type Validator struct {
	validate   *validator.Validate
	maxAge     time.Duration
	maxFuture  time.Duration
	strictMode bool
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge     time.Duration
	MaxFuture  time.Duration
	StrictMode bool
}

// DefaultValidatorConfig returns the default validator configuration.
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
	return &Validator{
		validate:   validator.New(),
		maxAge:     cfg.MaxAge,
		maxFuture:  cfg.MaxFuture,
		strictMode: cfg.StrictMode,
	}
}

// Validate validates an alert against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(alert *Alert) error {
	// Struct validation using go-playground/validator
	if err := v.validate.Struct(alert); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()

	if alert.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if alert.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", alert.Timestamp, v.maxAge)
	}

	if alert.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", alert.Timestamp, v.maxFuture)
	}

	// Strict mode pins categories and severities to the known vocabulary.
	if v.strictMode {
		if !KnownCategories[alert.Category] {
			return fmt.Errorf("unknown category: %q", alert.Category)
		}
		if !KnownSeverities[alert.Severity] {
			return fmt.Errorf("unknown severity: %q", alert.Severity)
		}
	}

	return nil
}

// ValidateSignal validates an acknowledgment/resolution signal.
func (v *Validator) ValidateSignal(sig *Signal) error {
	if !sig.Kind.IsValid() {
		return fmt.Errorf("invalid signal kind: %q", sig.Kind)
	}
	if sig.CaseID == nil && sig.Fingerprint == "" {
		return fmt.Errorf("signal requires case_id or fingerprint")
	}
	if sig.Actor == "" {
		return fmt.Errorf("signal actor is required")
	}
	return nil
}
