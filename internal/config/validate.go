package config

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/logging"
)

// currencyPattern matches a Taler currency code.
var currencyPattern = regexp.MustCompile(`^[A-Z]{1,11}$`)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// Currency must look like a Taler currency code
	if !currencyPattern.MatchString(cfg.Currency) {
		errs = append(errs, ValidationError{
			Field:   "currency",
			Message: fmt.Sprintf("must be 1-11 upper case letters (got %q)", cfg.Currency),
		})
	}

	errs = append(errs, validatePorts(cfg.Ports())...)

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "database_url",
			Message: "must not be empty",
		})
	}

	// Durations must be positive
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"ping_interval", cfg.PingInterval},
		{"shutdown_timeout", cfg.ShutdownTimeout},
		{"test_timeout", cfg.TestTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: "must be positive",
			})
		}
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.Include != "" {
		if _, err := path.Match(cfg.Include, ""); err != nil {
			errs = append(errs, ValidationError{
				Field:   "include",
				Message: fmt.Sprintf("malformed glob %q", cfg.Include),
			})
		}
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validatePorts checks that every port is in range and that no two services
// share a port.
func validatePorts(ports map[string]int) []error {
	var errs []error

	fields := make([]string, 0, len(ports))
	for field := range ports {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	seen := make(map[int]string, len(ports))
	for _, field := range fields {
		port := ports[field]
		if port < 1 || port > 65535 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must be between 1 and 65535 (got %d)", port),
			})
			continue
		}
		if other, ok := seen[port]; ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("port %d already used by %s", port, other),
			})
			continue
		}
		seen[port] = field
	}
	return errs
}
