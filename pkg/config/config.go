package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.toml"

type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	World     WorldConfig     `toml:"world" yaml:"world"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	WebSocket WebSocketConfig `toml:"websocket" yaml:"websocket"`
	Status    StatusConfig    `toml:"status" yaml:"status"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Scripts   ScriptsConfig   `toml:"scripts" yaml:"scripts"`
}

type ServerConfig struct {
	Host           string `toml:"host" yaml:"host"`
	Port           int    `toml:"port" yaml:"port"`
	MaxPlayers     int    `toml:"max_players" yaml:"max_players"`
	PasswordServer bool   `toml:"password_server" yaml:"password_server"`
	WorldName      string `toml:"world_name" yaml:"world_name"`
	MOTD           string `toml:"motd" yaml:"motd"`
	Name           string `toml:"name" yaml:"name"`

	// logging configuration
	LogToFile bool `toml:"log_to_file" yaml:"log_to_file"`
}

// WorldConfig sizes a newly created world. An existing world keeps its
// stored dimensions.
type WorldConfig struct {
	Width  int `toml:"width" yaml:"width"`
	Height int `toml:"height" yaml:"height"`
}

type StorageConfig struct {
	Backend      string `toml:"backend" yaml:"backend"`
	Dir          string `toml:"dir" yaml:"dir"`
	BackupOnStop bool   `toml:"backup_on_stop" yaml:"backup_on_stop"`
}

type WebSocketConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Port    int    `toml:"port" yaml:"port"`
	Path    string `toml:"path" yaml:"path"`
}

type StatusConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	Port    int  `toml:"port" yaml:"port"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Address string `toml:"address" yaml:"address"`
}

type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	EditsPerSecond    float64 `toml:"edits_per_second" yaml:"edits_per_second"`
	EditBurst         int     `toml:"edit_burst" yaml:"edit_burst"`
	CommandsPerSecond float64 `toml:"commands_per_second" yaml:"commands_per_second"`
	CommandBurst      int     `toml:"command_burst" yaml:"command_burst"`
	MaxViolations     int     `toml:"max_violations" yaml:"max_violations"`
}

type ScriptsConfig struct {
	Dir string `toml:"dir" yaml:"dir"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       12345,
			MaxPlayers: 10,
			WorldName:  "world",
			MOTD:       "A simple server",
			Name:       "My server",
		},
		World: WorldConfig{
			Width:  10,
			Height: 10,
		},
		Storage: StorageConfig{
			Backend:      "file",
			Dir:          "data",
			BackupOnStop: true,
		},
		WebSocket: WebSocketConfig{
			Port: 12346,
			Path: "/ws",
		},
		Status: StatusConfig{
			Enabled: true,
			Port:    12347,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9100",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			EditsPerSecond:    20,
			EditBurst:         40,
			CommandsPerSecond: 5,
			CommandBurst:      10,
			MaxViolations:     50,
		},
		Scripts: ScriptsConfig{
			Dir: "scripts/commands",
		},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadConfig reads path over the defaults, so omitted keys keep their
// default values. Files ending in .yaml or .yml are parsed as YAML, anything
// else as TOML.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = toml.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.WebSocket.Path == "" {
		config.WebSocket.Path = "/ws"
	}
	if config.Storage.Dir == "" {
		config.Storage.Dir = "data"
	}

	return config, nil
}

// LoadOrCreate writes the default configuration to path when it does not
// exist yet, then loads it. created reports whether the file was written.
func LoadOrCreate(path string) (config *Config, created bool, err error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Write(path, Default()); err != nil {
			return nil, false, err
		}
		created = true
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to stat config file: %w", err)
	}

	config, err = LoadConfig(path)
	if err != nil {
		return nil, created, err
	}
	return config, created, nil
}

// Write encodes config to path in the format its extension selects.
func Write(path string, config *Config) error {
	var buf bytes.Buffer
	if isYAML(path) {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	} else {
		if err := toml.NewEncoder(&buf).Encode(config); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.MaxPlayers <= 0 {
		return fmt.Errorf("max_players must be positive")
	}

	if c.Server.WorldName == "" || strings.ContainsAny(c.Server.WorldName, `/\`) || c.Server.WorldName == "." || c.Server.WorldName == ".." {
		return fmt.Errorf("invalid world name: %q", c.Server.WorldName)
	}

	if c.World.Width <= 0 || c.World.Height <= 0 {
		return fmt.Errorf("world dimensions must be positive, got %dx%d", c.World.Width, c.World.Height)
	}

	switch c.Storage.Backend {
	case "file", "bolt", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if c.WebSocket.Enabled {
		if c.WebSocket.Port <= 0 || c.WebSocket.Port > 65535 {
			return fmt.Errorf("invalid websocket port: %d", c.WebSocket.Port)
		}
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			return fmt.Errorf("websocket path must start with '/': %q", c.WebSocket.Path)
		}
	}

	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("invalid status port: %d", c.Status.Port)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.Metrics.Address, err)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.EditsPerSecond <= 0 || c.RateLimit.EditBurst <= 0 ||
			c.RateLimit.CommandsPerSecond <= 0 || c.RateLimit.CommandBurst <= 0 {
			return fmt.Errorf("rate limits must be positive when enabled")
		}
	}

	return nil
}

// Address returns host:port for a port on the configured host.
func (c *Config) Address(port int) string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(port))
}
