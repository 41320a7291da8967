package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags plus custom rules
// that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	// A burst smaller than the sustained rate starves the bucket.
	if cfg.RateLimit.RequestsPerSecond > 0 &&
		cfg.RateLimit.Burst > 0 &&
		cfg.RateLimit.Burst < cfg.RateLimit.RequestsPerSecond {
		return fmt.Errorf("rate_limit: burst (%d) must be at least requests_per_second (%d)",
			cfg.RateLimit.Burst, cfg.RateLimit.RequestsPerSecond)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics: enabled but no listen address configured")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
