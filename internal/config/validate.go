package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Validate enforces value ranges and cross-field rules on a merged configuration.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := ValidateTiming(&config.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}

	if config.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", config.Events.BufferSize)
	}

	if err := validateTransport(&config.Transport); err != nil {
		return fmt.Errorf("transport validation failed: %w", err)
	}

	if err := validateAuth(&config.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := validateLog(&config.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}

	switch config.Driver.Kind {
	case "bluez":
	case "fake":
		if len(config.Driver.FakeAdapters) == 0 {
			return fmt.Errorf("driver kind fake requires at least one fakeAdapters entry")
		}
	default:
		return fmt.Errorf("unknown driver kind %q", config.Driver.Kind)
	}

	return nil
}

// ValidateTiming checks every bounded wait.
func ValidateTiming(config *TimingConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"activeAdapterWait", config.ActiveAdapterWait},
		{"driverCommandTimeout", config.DriverCommandTimeout},
		{"revokeTimeout", config.RevokeTimeout},
		{"pairingReplyTimeout", config.PairingReplyTimeout},
		{"handshakeTimeout", config.HandshakeTimeout},
		{"heartbeatInterval", config.HeartbeatInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", p.name, p.value)
		}
	}

	// Heartbeat jitter must be non-negative and at most half the interval
	if config.HeartbeatJitter < 0 {
		return fmt.Errorf("heartbeat jitter must be non-negative, got %v", config.HeartbeatJitter)
	}
	if maxJitter := config.HeartbeatInterval / 2; config.HeartbeatJitter > maxJitter {
		return fmt.Errorf("heartbeat jitter %v exceeds 50%% of interval (%v)", config.HeartbeatJitter, maxJitter)
	}

	return nil
}

func validateTransport(config *TransportConfig) error {
	switch config.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("network must be unix or tcp, got %q", config.Network)
	}
	if config.Address == "" {
		return fmt.Errorf("address is required")
	}
	if config.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive, got %d", config.MaxConnections)
	}
	return nil
}

func validateAuth(config *AuthConfig) error {
	if !config.Enabled {
		return nil
	}
	switch strings.ToUpper(config.Algorithm) {
	case "HS256":
		if config.SecretKey == "" {
			return fmt.Errorf("HS256 requires secretKey")
		}
	case "RS256":
		if config.PublicKeyFile == "" {
			return fmt.Errorf("RS256 requires publicKeyFile")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", config.Algorithm)
	}
	return nil
}

func validateLog(config *LogConfig) error {
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		return err
	}
	switch config.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", config.Format)
	}
	if config.File != "" && config.MaxSizeMB <= 0 {
		return fmt.Errorf("maxSizeMB must be positive when file is set, got %d", config.MaxSizeMB)
	}
	return nil
}
