// Package config handles configuration loading, validation, and persistence
// for the mniam game host.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultGamePort    = 2001
	DefaultAPIPort     = 5000
	DefaultClientLimit = 100
)

// Config is the root configuration structure for mniam.
type Config struct {
	mu       sync.RWMutex
	path     string
	firstRun bool

	Server          ServerConfig    `json:"server"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerConfig configures the player-facing TCP server.
type ServerConfig struct {
	ListenAddress  string `json:"listen_address"`
	Port           int    `json:"port"`
	ClientLimit    int    `json:"client_limit"`
	ReadTimeoutMs  int    `json:"read_timeout_ms"`
	WriteTimeoutMs int    `json:"write_timeout_ms"`
	RTTWindow      int    `json:"rtt_window"`
	AcceptOnStart  bool   `json:"accept_on_start"`
}

// ReadTimeout returns the per-read socket timeout.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the per-write socket timeout.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// ApplicationData contains the host application configuration.
type ApplicationData struct {
	Timers      TimerConfig       `json:"timers"`
	Lag         LagConfig         `json:"lag"`
	API         APIConfig         `json:"api"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Security    SecurityConfig    `json:"security"`
	Logging     LoggingConfig     `json:"logging"`
	Database    DatabaseConfig    `json:"database"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// TimerConfig holds health check intervals.
type TimerConfig struct {
	InactiveSweepInterval int `json:"inactive_sweep_interval_sec"`
	LagCheckInterval      int `json:"lag_check_interval_sec"`
	SnapshotInterval      int `json:"snapshot_interval_sec"`
	SystemUsageInterval   int `json:"system_usage_interval_sec"`
}

// LagConfig holds the client lag threshold.
type LagConfig struct {
	RTTWarningMs int `json:"rtt_warning_ms"`
}

// APIConfig holds the admin REST API settings.
type APIConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	APIToken       string   `json:"api_token"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DatabaseConfig holds the session history store location.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MaintenanceConfig schedules the daily cleanup of alerts and log files.
type MaintenanceConfig struct {
	Enabled            bool   `json:"enabled"`
	Time               string `json:"time"`
	AlertRetentionDays int    `json:"alert_retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           DefaultGamePort,
			ClientLimit:    DefaultClientLimit,
			ReadTimeoutMs:  500,
			WriteTimeoutMs: 5000,
			RTTWindow:      10,
			AcceptOnStart:  true,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				InactiveSweepInterval: 30,
				LagCheckInterval:      10,
				SnapshotInterval:      15,
				SystemUsageInterval:   60,
			},
			Lag: LagConfig{
				RTTWarningMs: 100,
			},
			API: APIConfig{
				Enabled: true,
				Port:    DefaultAPIPort,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "mniam",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			Database: DatabaseConfig{
				Enabled: true,
				Path:    filepath.Join("data", "sessions.db"),
			},
			Maintenance: MaintenanceConfig{
				Enabled:            true,
				Time:               "04:00",
				AlertRetentionDays: 30,
			},
		},
	}
}

// Load reads configDir/config.json over the defaults. A missing file is
// created from the defaults and marks the first run. A file missing options
// known to this build is rewritten with them filled in.
func Load(configDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(cfg.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg.firstRun = true
		log.Info().Str("path", cfg.path).Msg("no configuration found, writing defaults")
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", cfg.path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", cfg.path, err)
	}
	log.Info().Str("path", cfg.path).Msg("configuration loaded")

	if current, err := cfg.encode(); err == nil && !bytes.Equal(bytes.TrimSpace(data), bytes.TrimSpace(current)) {
		if err := cfg.Save(); err != nil {
			log.Warn().Err(err).Msg("could not add new defaults to config file")
		}
	}
	return cfg, nil
}

func (c *Config) encode() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.MarshalIndent(c, "", "  ")
}

// Save writes the configuration through a temporary file, so a crash never
// leaves a truncated config.json behind.
func (c *Config) Save() error {
	data, err := c.encode()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer updates the server configuration.
func (c *Config) SetServer(s ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = s
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateServerField updates a single server field by its JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Server)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown server field %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var s ServerConfig
	if err := json.Unmarshal(updated, &s); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Server = s
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun reports whether Load had to create the config file.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firstRun
}
