package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ApplyOverrides merges CLI flag values into an already-loaded configuration.
// The overrides map mirrors the config structure (mapstructure keys), e.g.:
//
//	{"server": {"port": 9000, "session_timeout": "60s"}}
//
// Only keys present in the map are touched, so flags the user did not set
// never clobber file or environment values. Values are decoded weakly:
// strings are coerced into numbers and durations the same way viper does it.
func ApplyOverrides(cfg *Config, overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("create override decoder: %w", err)
	}

	if err := decoder.Decode(overrides); err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	return nil
}
