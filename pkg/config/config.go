// Package config loads and saves the TOML configuration shared by the hub
// and agent CLI commands (SPEC_FULL.md §1 "Configuration").
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Duration marshals to/from TOML as a Go duration string ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// HubConfig configures a `plutus hub serve` process.
type HubConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// AuthToken, if set, is required of every connecting agent (spec §4.7).
	AuthToken string `toml:"auth_token"`

	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	PeerPruneInterval Duration `toml:"peer_prune_interval"`

	EventLogPath       string `toml:"event_log_path"`
	MaxEventLogEntries int    `toml:"max_event_log_entries"`
	MaxEventLogBytes   int64  `toml:"max_event_log_bytes"`

	// CompressEventLog wraps the event log's on-disk frame stream in zstd.
	// Worthwhile once MaxEventLogEntries/MaxEventLogBytes is large enough
	// that rewrites carry real CRDT-operation history, not a handful of
	// frames.
	CompressEventLog bool `toml:"compress_event_log"`

	// AuditDBPath, if set, enables the optional SQLite peer-event audit
	// trail (SPEC_FULL.md §2, supplemental to the CRDT state).
	AuditDBPath string `toml:"audit_db_path"`
}

// AgentConfig configures a `plutus agent join` process.
type AgentConfig struct {
	HubURI    string `toml:"hub_uri"`
	AuthToken string `toml:"auth_token"`
	PeerID    uint64 `toml:"peer_id"`

	Retries     int      `toml:"retries"`
	BaseBackoff Duration `toml:"base_backoff"`
	MaxBackoff  Duration `toml:"max_backoff"`

	// EventLogPath is loaded from the config file but not read by the agent
	// commands: agents run without an event log, so there is no durability
	// fallback or startup replay.
	EventLogPath string `toml:"event_log_path"`
}

type Config struct {
	Hub   HubConfig   `toml:"hub"`
	Agent AgentConfig `toml:"agent"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			Host:              "0.0.0.0",
			Port:              7420,
			HeartbeatTimeout:  Duration{60 * time.Second},
			PeerPruneInterval: Duration{30 * time.Second},
			EventLogPath:      filepath.Join(GetDefaultStorageDir(), "hub.log"),
		},
		Agent: AgentConfig{
			HubURI:      "ws://127.0.0.1:7420/ws",
			Retries:     3,
			BaseBackoff: Duration{200 * time.Millisecond},
			MaxBackoff:  Duration{5 * time.Second},
		},
	}
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := *GetDefaultConfig()
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if config.Hub.Host == "" {
		config.Hub.Host = "0.0.0.0"
	}
	if config.Hub.Port == 0 {
		config.Hub.Port = 7420
	}
	if config.Agent.Retries == 0 {
		config.Agent.Retries = 3
	}

	return &config, nil
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template := c.generateConfigTemplate()
	return os.WriteFile(configPath, []byte(template), 0644)
}

func (c *Config) generateConfigTemplate() string {
	storageDir := GetDefaultStorageDir()
	return strings.Replace(configTemplate, "/home/user/.local/share/plutus", storageDir, 1)
}

// GetDefaultStorageDir returns the default directory for the hub's event
// log and audit database.
func GetDefaultStorageDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "./data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	plutusDir := filepath.Join(dataDir, "plutus")
	if err := os.MkdirAll(plutusDir, 0755); err != nil {
		return "./data"
	}
	return plutusDir
}

// GetConfigDir returns the configuration directory for plutus.
func GetConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	plutusConfigDir := filepath.Join(configDir, "plutus")
	if err := os.MkdirAll(plutusConfigDir, 0755); err != nil {
		return "."
	}
	return plutusConfigDir
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.toml")
}
