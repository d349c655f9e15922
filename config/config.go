// Package config loads chat-sync settings from defaults, an optional YAML
// file, a .env file and CHAT_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
	DriverNATS   = "nats"
)

// Config is the complete service configuration.
type Config struct {
	HTTP  HTTPConfig  `yaml:"http"`
	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`
	WS    WSConfig    `yaml:"ws"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	// Driver is one of memory, mysql, nats
	Driver     string `yaml:"driver"`
	MySQLDSN   string `yaml:"mysql_dsn"`
	NATSURL    string `yaml:"nats_url"`
	NATSBucket string `yaml:"nats_bucket"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// WSConfig configures WebSocket heartbeats.
type WSConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:        ":8082",
			CORSOrigins: []string{"*"},
		},
		Store: StoreConfig{
			Driver:     DriverMemory,
			NATSURL:    "nats://127.0.0.1:4222",
			NATSBucket: "CHAT_SYNC",
		},
		Log: LogConfig{
			Level: "info",
		},
		WS: WSConfig{
			PingInterval: 10 * time.Second,
			PongTimeout:  15 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty; envFiles that do not
// exist are skipped.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// godotenv never overrides variables already set in the environment
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CHAT_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("CHAT_CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("CHAT_STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("CHAT_MYSQL_DSN"); v != "" {
		c.Store.MySQLDSN = v
	}
	if v := os.Getenv("CHAT_NATS_URL"); v != "" {
		c.Store.NATSURL = v
	}
	if v := os.Getenv("CHAT_NATS_BUCKET"); v != "" {
		c.Store.NATSBucket = v
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CHAT_LOG_DEVELOPMENT"); v != "" {
		c.Log.Development = v == "1" || strings.EqualFold(v, "true")
	}
	for name, dst := range map[string]*time.Duration{
		"CHAT_WS_PING_INTERVAL": &c.WS.PingInterval,
		"CHAT_WS_PONG_TIMEOUT":  &c.WS.PongTimeout,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Store.MySQLDSN == "" {
			return fmt.Errorf("store.mysql_dsn is required for the mysql driver")
		}
	case DriverNATS:
		if c.Store.NATSURL == "" {
			return fmt.Errorf("store.nats_url is required for the nats driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.WS.PingInterval <= 0 {
		return fmt.Errorf("ws.ping_interval must be positive")
	}
	if c.WS.PongTimeout <= c.WS.PingInterval {
		return fmt.Errorf("ws.pong_timeout must be longer than ws.ping_interval")
	}
	return nil
}
