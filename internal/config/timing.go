package config

import (
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	Timing    TimingConfig    `yaml:"timing"`
	Events    EventsConfig    `yaml:"events"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Audit     AuditConfig     `yaml:"audit"`
	Bonds     BondsConfig     `yaml:"bonds"`
	Driver    DriverConfig    `yaml:"driver"`
}

// TimingConfig holds every bounded wait in the daemon.
type TimingConfig struct {
	// Bounded wait for an active adapter before a request gets its default result
	ActiveAdapterWait time.Duration `yaml:"activeAdapterWait"`

	// Timeout applied to each driver call (name, discovery, discoverable)
	DriverCommandTimeout time.Duration `yaml:"driverCommandTimeout"`

	// Timeout for switching the driver off when a token is revoked
	RevokeTimeout time.Duration `yaml:"revokeTimeout"`

	// How long a pairing delegate has to answer a pairing request
	PairingReplyTimeout time.Duration `yaml:"pairingReplyTimeout"`

	// How long a new connection has to send its Open request
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`

	// Event stream heartbeat
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatJitter   time.Duration `yaml:"heartbeatJitter"`
}

// EventsConfig sizes the per-adapter event replay buffer.
type EventsConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

// TransportConfig selects the listening socket.
type TransportConfig struct {
	Network        string `yaml:"network"` // "unix" or "tcp"
	Address        string `yaml:"address"`
	MaxConnections int    `yaml:"maxConnections"`
}

// AuthConfig controls the connection handshake.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Algorithm     string `yaml:"algorithm"` // "HS256" or "RS256"
	SecretKey     string `yaml:"secretKey"`
	PublicKeyFile string `yaml:"publicKeyFile"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// BondsConfig selects bond persistence. An empty file keeps bonds in memory.
type BondsConfig struct {
	File string `yaml:"file"`
}

// DriverConfig selects the adapter driver.
type DriverConfig struct {
	Kind         string   `yaml:"kind"` // "bluez" or "fake"
	FakeAdapters []string `yaml:"fakeAdapters"`
}

// Baseline returns the default configuration.
func Baseline() *Config {
	return &Config{
		Timing: TimingConfig{
			ActiveAdapterWait:    5 * time.Second,
			DriverCommandTimeout: 10 * time.Second,
			RevokeTimeout:        5 * time.Second,
			PairingReplyTimeout:  30 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			HeartbeatInterval:    15 * time.Second,
			HeartbeatJitter:      2 * time.Second,
		},
		Events: EventsConfig{
			BufferSize: 50,
		},
		Transport: TransportConfig{
			Network:        "unix",
			Address:        "/run/gapd/gapd.sock",
			MaxConnections: 64,
		},
		Auth: AuthConfig{
			Enabled:   false,
			Algorithm: "HS256",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Audit: AuditConfig{
			File:       "logs/audit.jsonl",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Driver: DriverConfig{
			Kind: "bluez",
		},
	}
}
