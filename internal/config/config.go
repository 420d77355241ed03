// Package config handles configuration loading, validation, and persistence
// for the detonator arena server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/protocol"
)

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultAPIPort      = 5080
	DefaultPortAttempts = 20
	DefaultBoardSize    = 21
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server          ServerData      `json:"server"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerData contains the match and socket settings.
type ServerData struct {
	// Sockets. TCPPort 0 picks a random port.
	TCPPort            int    `json:"tcp_port"`
	BindAddress        string `json:"bind_address"`
	PortAttempts       int    `json:"port_attempts"`
	MulticastInterface string `json:"multicast_interface"`

	// Match
	GameMode    string `json:"game_mode"`
	BoardHeight int    `json:"board_height"`
	BoardWidth  int    `json:"board_width"`
	Seed        int64  `json:"seed"`

	// Loop periods
	SnapshotIntervalMS int `json:"snapshot_interval_ms"`
	DeltaIntervalMS    int `json:"delta_interval_ms"`
}

// Mode parses GameMode. Validate reports a bad value first.
func (s ServerData) Mode() protocol.GameMode {
	m, _ := protocol.ParseGameMode(s.GameMode)
	return m
}

// SnapshotInterval returns the snapshot loop period.
func (s ServerData) SnapshotInterval() time.Duration {
	return time.Duration(s.SnapshotIntervalMS) * time.Millisecond
}

// DeltaInterval returns the delta loop period.
func (s ServerData) DeltaInterval() time.Duration {
	return time.Duration(s.DeltaIntervalMS) * time.Millisecond
}

// ApplicationData contains the side-channel settings.
type ApplicationData struct {
	Logging LoggingConfig `json:"logging"`
	MQTT    MQTTConfig    `json:"mqtt"`
	API     APIConfig     `json:"api"`
	Journal JournalConfig `json:"journal"`
	Health  HealthConfig  `json:"health"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
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
	TickEvery   int    `json:"tick_every"`
}

// APIConfig holds the admin HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	Spectators     bool     `json:"spectators"`
}

// JournalConfig holds the SQLite match journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	SnapshotEvery int    `json:"snapshot_every"`
}

// HealthConfig holds the health monitor settings.
type HealthConfig struct {
	IntervalSec    int `json:"interval_sec"`
	QueueWarnDepth int `json:"queue_warn_depth"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerData{
			BindAddress:        "0.0.0.0",
			PortAttempts:       DefaultPortAttempts,
			GameMode:           "solo",
			BoardHeight:        DefaultBoardSize,
			BoardWidth:         DefaultBoardSize,
			SnapshotIntervalMS: 1000,
			DeltaIntervalMS:    50,
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
				Console:    true,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "detonator",
				TickEvery:   20,
			},
			API: APIConfig{
				Enabled:      true,
				Port:         DefaultAPIPort,
				RateLimitRPS: 50,
				Spectators:   true,
			},
			Journal: JournalConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "detonator.db"),
				SnapshotEvery: 10,
			},
			Health: HealthConfig{
				IntervalSec:    10,
				QueueWarnDepth: 4096,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults
// when it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer replaces the server configuration.
func (c *Config) SetServer(data ServerData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = data
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

// SetLogLevel changes the persisted log level.
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData.Logging.Level = level
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
