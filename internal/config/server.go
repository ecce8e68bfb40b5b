package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Access modes for the signaling server.
const (
	AccessOpen   = "open"
	AccessStatic = "static"
	AccessToken  = "token"
)

// ServerConfig is the configuration of `warpcall serve`.
type ServerConfig struct {
	Addr           string       `yaml:"addr"`
	LogLevel       string       `yaml:"log_level"`
	AllowedOrigins []string     `yaml:"allowed_origins"`
	Heartbeat      Heartbeat    `yaml:"heartbeat"`
	MaxMessageSize int64        `yaml:"max_message_size"`
	SendBuffer     int          `yaml:"send_buffer"`
	Metrics        bool         `yaml:"metrics"`
	Access         AccessConfig `yaml:"access"`
}

// Heartbeat controls stale connection detection. A peer that does not answer
// a ping within PongWait is dropped and reported as left.
type Heartbeat struct {
	PongWait  time.Duration `yaml:"pong_wait"`
	WriteWait time.Duration `yaml:"write_wait"`
}

// PingPeriod must be less than PongWait.
func (h Heartbeat) PingPeriod() time.Duration {
	return (h.PongWait * 9) / 10
}

// AccessConfig selects how join credentials are validated.
type AccessConfig struct {
	Mode   string             `yaml:"mode"`
	Secret string             `yaml:"secret"`
	Rooms  map[string][]Grant `yaml:"rooms"`
}

// Grant admits one credential into one room.
type Grant struct {
	Credential string `yaml:"credential"`
	Role       string `yaml:"role"`
	Label      string `yaml:"label"`
}

// ServerOptions carries command line overrides.
type ServerOptions struct {
	Addr       string
	LogLevel   string
	AccessMode string
	PongWait   time.Duration
}

// DefaultServerConfig returns the configuration used when no file is given.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:     ":8080",
		LogLevel: "info",
		Heartbeat: Heartbeat{
			PongWait:  30 * time.Second,
			WriteWait: 10 * time.Second,
		},
		MaxMessageSize: 64 * 1024, // enough for SDP
		SendBuffer:     256,
		Metrics:        true,
		Access:         AccessConfig{Mode: AccessOpen},
	}
}

// LoadServer reads the YAML file at path (optional), then applies environment
// variables, then flags.
func LoadServer(path string, opts ServerOptions) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.LogLevel = pick(opts.LogLevel, "LOG_LEVEL", cfg.LogLevel)
	cfg.Access.Mode = pick(opts.AccessMode, "ACCESS_MODE", cfg.Access.Mode)
	cfg.Access.Secret = pick("", "ACCESS_SECRET", cfg.Access.Secret)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}

	var err error
	if cfg.Heartbeat.PongWait, err = pickDuration(opts.PongWait, "PONG_WAIT", cfg.Heartbeat.PongWait); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration that the server cannot run with.
func (c *ServerConfig) Validate() error {
	if c.Heartbeat.PongWait <= 0 || c.Heartbeat.WriteWait <= 0 {
		return errors.New("heartbeat waits must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("send_buffer must be positive")
	}

	switch c.Access.Mode {
	case AccessOpen:
	case AccessStatic:
		if len(c.Access.Rooms) == 0 {
			return errors.New("static access needs at least one room grant")
		}
		for room, grants := range c.Access.Rooms {
			for _, g := range grants {
				if g.Credential == "" {
					return fmt.Errorf("room %s: grant without credential", room)
				}
				if g.Role != "host" && g.Role != "guest" {
					return fmt.Errorf("room %s: role must be host or guest, got %q", room, g.Role)
				}
			}
		}
	case AccessToken:
		if c.Access.Secret == "" {
			return errors.New("token access needs a secret")
		}
	default:
		return fmt.Errorf("unknown access mode %q", c.Access.Mode)
	}
	return nil
}
