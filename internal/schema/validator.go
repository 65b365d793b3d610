package schema

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidInput marks validation failures so callers can distinguish bad
// input from system degradation.
var ErrInvalidInput = errors.New("invalid input")

var (
	// addrPattern matches a 0x-prefixed 20-byte hex address.
	addrPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	// hashPattern matches a 0x-prefixed 32-byte hex hash.
	hashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// Validator validates inbound records against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds validator configuration.
type ValidatorConfig struct {
	MaxAge    time.Duration `yaml:"max_age"`
	MaxFuture time.Duration `yaml:"max_future"`
}

// DefaultValidatorConfig returns the default validator configuration. MaxAge
// tracks the attestation retention window: anything older would be purged on
// arrival anyway.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("eth_addr", func(fl validator.FieldLevel) bool {
		return addrPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("eth_hash", func(fl validator.FieldLevel) bool {
		return hashPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateAttestation validates an attestation prior to ingestion. A failure
// means the attestation must not be stored or counted.
func (v *Validator) ValidateAttestation(a *Attestation) error {
	if a == nil {
		return fmt.Errorf("%w: attestation is nil", ErrInvalidInput)
	}

	if err := v.validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	if a.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("%w: timestamp too old: %v (max age: %v)", ErrInvalidInput, a.Timestamp, v.maxAge)
	}
	if a.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("%w: timestamp in future: %v (max future: %v)", ErrInvalidInput, a.Timestamp, v.maxFuture)
	}

	if a.Status != "" && !a.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, a.Status)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidInput, a.Confidence)
	}

	return nil
}

// Struct validates any tagged struct, used for transaction input checks.
func (v *Validator) Struct(s any) error {
	if err := v.validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidAddress checks a 0x-prefixed address string.
func ValidAddress(s string) bool {
	return addrPattern.MatchString(s)
}

// ValidHash checks a 0x-prefixed 32-byte hash string.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}
