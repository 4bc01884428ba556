package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validEnvironments are the runtime environments Sagaflow recognizes.
var validEnvironments = []string{"development", "staging", "production"}

// validate is the shared validator instance for config structs.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		return slices.Contains(validEnvironments, fl.Field().String())
	})
	return v
}

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors aggregates every ConfigError found in one pass, so the
// operator sees all misconfigurations at once instead of fixing them one
// restart at a time.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "configuration validation failed:")
	for _, err := range e {
		lines = append(lines, "  - "+err.Error())
	}
	return strings.Join(lines, "\n") + "\n"
}

// ValidateWithDetails validates cfg and reports every failing field.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}

	details := make(ValidationErrors, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		details = append(details, ConfigError{
			Field:   fe.Namespace(),
			Message: messageForTag(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "env":
		return fmt.Sprintf("must be one of [%s]", strings.Join(validEnvironments, " "))
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
