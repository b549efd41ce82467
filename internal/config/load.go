package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultFile is read when no explicit path is given and it exists.
const DefaultFile = "gapd.yaml"

// Load merges Baseline() + optional YAML file + GAPD_* env overrides and validates.
// An explicit path must exist; the default file is optional.
func Load(path string) (*Config, error) {
	config := Baseline()

	if path != "" {
		if err := loadFromFile(config, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	} else if _, err := os.Stat(DefaultFile); err == nil {
		if err := loadFromFile(config, DefaultFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", DefaultFile, err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile decodes a YAML file over config. Keys absent from the file keep
// their current values.
func loadFromFile(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, config)
}

// applyEnvOverrides applies GAPD_* environment variables to the config.
func applyEnvOverrides(config *Config) error {
	durations := map[string]*time.Duration{
		"GAPD_TIMING_ACTIVE_ADAPTER_WAIT":    &config.Timing.ActiveAdapterWait,
		"GAPD_TIMING_DRIVER_COMMAND_TIMEOUT": &config.Timing.DriverCommandTimeout,
		"GAPD_TIMING_REVOKE_TIMEOUT":         &config.Timing.RevokeTimeout,
		"GAPD_TIMING_PAIRING_REPLY_TIMEOUT":  &config.Timing.PairingReplyTimeout,
		"GAPD_TIMING_HANDSHAKE_TIMEOUT":      &config.Timing.HandshakeTimeout,
		"GAPD_TIMING_HEARTBEAT_INTERVAL":     &config.Timing.HeartbeatInterval,
		"GAPD_TIMING_HEARTBEAT_JITTER":       &config.Timing.HeartbeatJitter,
	}
	for key, target := range durations {
		if val := os.Getenv(key); val != "" {
			duration, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q", key, val)
			}
			*target = duration
		}
	}

	ints := map[string]*int{
		"GAPD_EVENTS_BUFFER_SIZE":         &config.Events.BufferSize,
		"GAPD_TRANSPORT_MAX_CONNECTIONS":  &config.Transport.MaxConnections,
	}
	for key, target := range ints {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", key, val)
			}
			*target = n
		}
	}

	strs := map[string]*string{
		"GAPD_TRANSPORT_NETWORK":       &config.Transport.Network,
		"GAPD_TRANSPORT_ADDRESS":       &config.Transport.Address,
		"GAPD_AUTH_ALGORITHM":          &config.Auth.Algorithm,
		"GAPD_AUTH_SECRET_KEY":         &config.Auth.SecretKey,
		"GAPD_AUTH_PUBLIC_KEY_FILE":    &config.Auth.PublicKeyFile,
		"GAPD_LOG_LEVEL":               &config.Log.Level,
		"GAPD_LOG_FORMAT":              &config.Log.Format,
		"GAPD_LOG_FILE":                &config.Log.File,
		"GAPD_AUDIT_FILE":              &config.Audit.File,
		"GAPD_BONDS_FILE":              &config.Bonds.File,
		"GAPD_DRIVER_KIND":             &config.Driver.Kind,
	}
	for key, target := range strs {
		if val := os.Getenv(key); val != "" {
			*target = val
		}
	}

	if val := os.Getenv("GAPD_AUTH_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("GAPD_AUTH_ENABLED: invalid boolean %q", val)
		}
		config.Auth.Enabled = enabled
	}

	if val := os.Getenv("GAPD_DRIVER_FAKE_ADAPTERS"); val != "" {
		config.Driver.FakeAdapters = splitList(val)
	}

	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
