package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

// ListValues returns the config as a flat dot-keyed map. When mask is true,
// secret values are redacted for display.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-keyed value from the config file at path. Secret
// values are masked.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, true)
	if err != nil {
		return nil, err
	}
	val, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return val, nil
}

// SetValue updates one dot-keyed value in the config file at path. The key
// must already exist; values are coerced to the key's current JSON type.
func SetValue(path, key, value string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	flat := Flatten(m)
	current, ok := flat[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	coerced, err := coerce(value, current)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	flat[key] = coerced

	nested, err := json.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	updated := &Config{}
	if err := json.Unmarshal(nested, updated); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	return Save(path, updated)
}

// coerce converts a string from the command line to the JSON type of the
// key's current value.
func coerce(value string, current any) (any, error) {
	switch current.(type) {
	case bool:
		return strconv.ParseBool(value)
	case float64:
		return strconv.ParseFloat(value, 64)
	case []any:
		var list []any
		if err := json.Unmarshal([]byte(value), &list); err != nil {
			return nil, fmt.Errorf("expected a JSON array: %w", err)
		}
		return list, nil
	case nil:
		return value, nil
	default:
		return value, nil
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cadpilot", "config.json")
}
