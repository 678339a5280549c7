package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file, matching the names the
// agent and server have always honoured.
const (
	EnvHost = "WEBSOCKET_HOST"
	EnvPort = "WEBSOCKET_PORT"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Registry  RegistryConfig  `yaml:"registry" toml:"registry"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Host           string   `yaml:"host" toml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	// AuthToken guards the HTTP query endpoints. It does not authenticate
	// the client ids peers declare on the websocket.
	AuthToken string        `yaml:"auth_token" toml:"auth_token"`
	Privacy   PrivacyConfig `yaml:"privacy" toml:"privacy"`
}

// PrivacyConfig controls what the session query endpoints reveal. The
// event log itself is never masked.
type PrivacyConfig struct {
	MaskRemoteAddrs bool     `yaml:"mask_remote_addrs" toml:"mask_remote_addrs"`
	MaskSocketIDs   bool     `yaml:"mask_socket_ids" toml:"mask_socket_ids"`
	AllowedClients  []string `yaml:"allowed_clients" toml:"allowed_clients"`
	BlockedClients  []string `yaml:"blocked_clients" toml:"blocked_clients"`
}

// TransportConfig tunes the server side of each websocket session.
type TransportConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	PingTimeout     time.Duration `yaml:"ping_timeout" toml:"ping_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	SendBuffer      int           `yaml:"send_buffer" toml:"send_buffer"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" toml:"max_message_bytes"`
}

type LogConfig struct {
	// Path is the server's event log file.
	Path      string `yaml:"path" toml:"path"`
	QueueSize int    `yaml:"queue_size" toml:"queue_size"`
	// Level is the diagnostics log level: trace, debug, info, warn, error.
	Level string `yaml:"level" toml:"level"`
}

type RegistryConfig struct {
	// TTL evicts sessions that have been disconnected for this long.
	// Zero keeps every session for the life of the process.
	TTL time.Duration `yaml:"ttl" toml:"ttl"`
}

type AgentConfig struct {
	Host      string          `yaml:"host" toml:"host"`
	Port      int             `yaml:"port" toml:"port"`
	Interval  time.Duration   `yaml:"interval" toml:"interval"`
	LogPath   string          `yaml:"log_path" toml:"log_path"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
}

// ReconnectConfig is the agent transport's retry policy.
type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" toml:"max_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
			Host: "0.0.0.0",
		},
		Transport: TransportConfig{
			PingInterval:    25 * time.Second,
			PingTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			SendBuffer:      64,
			MaxMessageBytes: 1 << 20,
		},
		Log: LogConfig{
			Path:      "events.log",
			QueueSize: 1024,
			Level:     "info",
		},
		Agent: AgentConfig{
			Host:     "localhost",
			Port:     3000,
			Interval: 10 * time.Second,
			LogPath:  "client-events.log",
			Reconnect: ReconnectConfig{
				Enabled:        true,
				MaxAttempts:    10,
				BaseDelay:      time.Second,
				MaxDelay:       5 * time.Second,
				ConnectTimeout: 20 * time.Second,
			},
		},
	}
}

// Load reads the config at path over the defaults. Files ending in .toml
// are decoded as TOML, everything else as YAML. Environment overrides are
// applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = defaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets WEBSOCKET_HOST and WEBSOCKET_PORT point the agent at a
// server and move the server's listening port.
func (c *Config) applyEnv() error {
	if host := strings.TrimSpace(os.Getenv(EnvHost)); host != "" {
		c.Agent.Host = host
	}
	if raw := strings.TrimSpace(os.Getenv(EnvPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Agent.Port = port
		c.Server.Port = port
	}
	return nil
}

// Validate rejects settings the server or agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		errs = append(errs, fmt.Errorf("agent.port %d out of range", c.Agent.Port))
	}
	if c.Transport.PingInterval <= 0 {
		errs = append(errs, errors.New("transport.ping_interval must be positive"))
	}
	if c.Transport.PingTimeout <= c.Transport.PingInterval {
		errs = append(errs, errors.New("transport.ping_timeout must exceed transport.ping_interval"))
	}
	if c.Transport.SendBuffer <= 0 {
		errs = append(errs, errors.New("transport.send_buffer must be positive"))
	}
	if c.Log.Path == "" {
		errs = append(errs, errors.New("log.path is required"))
	}
	if c.Agent.Interval <= 0 {
		errs = append(errs, errors.New("agent.interval must be positive"))
	}
	if c.Agent.LogPath == "" {
		errs = append(errs, errors.New("agent.log_path is required"))
	}
	if c.Registry.TTL < 0 {
		errs = append(errs, errors.New("registry.ttl must not be negative"))
	}
	r := c.Agent.Reconnect
	if r.MaxAttempts < 0 {
		errs = append(errs, errors.New("agent.reconnect.max_attempts must not be negative"))
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		errs = append(errs, errors.New("agent.reconnect delays must satisfy 0 < base_delay <= max_delay"))
	}
	if r.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("agent.reconnect.connect_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ListenAddr is the address the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AgentURL is the websocket endpoint the agent dials.
func (c *Config) AgentURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", c.Agent.Host, c.Agent.Port)
}
