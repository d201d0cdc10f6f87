package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Backend   string          `yaml:"backend"` // "bluez" or "le"
	Adapter   string          `yaml:"adapter"` // BlueZ adapter name, e.g. hci0
	Discovery DiscoveryConfig `yaml:"discovery"`
	Connect   ConnectConfig   `yaml:"connect"`
	LE        LEConfig        `yaml:"le"`
	History   HistoryConfig   `yaml:"history"`
	LogLevel  string          `yaml:"log_level"`
}

// DiscoveryConfig holds scan settings.
type DiscoveryConfig struct {
	// ClearOnRescan drops previously found peers when the user starts a new
	// scan. Off by default: peers accumulate across scans.
	ClearOnRescan bool `yaml:"clear_on_rescan"`
}

// ConnectConfig holds stream connection settings.
type ConnectConfig struct {
	ServiceUUID     string        `yaml:"service_uuid"`
	FallbackChannel uint8         `yaml:"fallback_channel"`
	Timeout         time.Duration `yaml:"timeout"`
}

// LEConfig selects the GATT service and characteristics used as a stream
// by the LE backend.
type LEConfig struct {
	ServiceUUID string `yaml:"service_uuid"`
	TXChar      string `yaml:"tx_char"` // we write to this one
	RXChar      string `yaml:"rx_char"` // peer notifies on this one
}

// HistoryConfig locates the SQLite history database. Empty disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Nordic UART Service, the de facto serial-over-GATT profile.
const (
	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// DefaultServiceUUID is the RFCOMM service record peers are dialed by.
const DefaultServiceUUID = "8ce255c0-200a-11e0-ac64-0800200c9a66"

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "peerlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Backend: "bluez",
		Adapter: "hci0",
		Connect: ConnectConfig{
			ServiceUUID:     DefaultServiceUUID,
			FallbackChannel: 1,
			Timeout:         12 * time.Second,
		},
		LE: LEConfig{
			ServiceUUID: nusService,
			// NUS names characteristics from the peripheral's side: we
			// write to its RX and listen on its TX.
			TXChar: nusRX,
			RXChar: nusTX,
		},
		History: HistoryConfig{
			Path: filepath.Join(home, ".local", "share", "peerlink", "history.db"),
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in history.path is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.History.Path = expandTilde(cfg.History.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Backend {
	case "bluez":
		if c.Adapter == "" {
			return fmt.Errorf("adapter must not be empty for the bluez backend")
		}
	case "le":
		for name, v := range map[string]string{
			"le.service_uuid": c.LE.ServiceUUID,
			"le.tx_char":      c.LE.TXChar,
			"le.rx_char":      c.LE.RXChar,
		} {
			if _, err := uuid.Parse(v); err != nil {
				return fmt.Errorf("%s must be a UUID, got %q", name, v)
			}
		}
	default:
		return fmt.Errorf("backend must be \"bluez\" or \"le\", got %q", c.Backend)
	}

	if _, err := uuid.Parse(c.Connect.ServiceUUID); err != nil {
		return fmt.Errorf("connect.service_uuid must be a UUID, got %q", c.Connect.ServiceUUID)
	}

	// RFCOMM channels are 1-30.
	if c.Connect.FallbackChannel < 1 || c.Connect.FallbackChannel > 30 {
		return fmt.Errorf("connect.fallback_channel must be between 1 and 30, got %d", c.Connect.FallbackChannel)
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ServiceUUID returns the parsed connect.service_uuid. Call Validate first.
func (c *Config) ServiceUUID() uuid.UUID {
	u, _ := uuid.Parse(c.Connect.ServiceUUID)
	return u
}

// ParseLogLevel maps a config log level to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# peerlink configuration
# backend: bluez (Linux, classic RFCOMM) or le (GATT serial service)
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
