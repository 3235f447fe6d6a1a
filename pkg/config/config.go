package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every option. Flags, environment variables and the YAML
// file all overlay these; precedence is flag > env > file > default.
const (
	DefaultDBPath       = "./db_test"
	DefaultAddress      = "127.0.0.1:12345"
	DefaultLogLevel     = "info"
	DefaultCacheTTL     = 1800
	DefaultMaxFrameSize = 16 << 20
)

// Config holds the full server configuration
type Config struct {
	DBPath       string        `yaml:"dbpath"`
	Address      string        `yaml:"address"`
	TTL          int           `yaml:"ttl"`
	Token        string        `yaml:"token"`
	LogLevel     string        `yaml:"log_level"`
	LogJSON      bool          `yaml:"log_json"`
	LockFile     string        `yaml:"lock_file"`
	CacheEnabled bool          `yaml:"cache"`
	CacheTTL     int           `yaml:"cache_ttl"`
	Metrics      bool          `yaml:"metrics"`
	MetricsAddr  string        `yaml:"metrics_address"`
	HealthCheck  bool          `yaml:"health_check"`
	MaxFrameSize int           `yaml:"max_frame_size"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

// Default returns a Config populated with defaults
func Default() *Config {
	return &Config{
		DBPath:       DefaultDBPath,
		Address:      DefaultAddress,
		LogLevel:     DefaultLogLevel,
		CacheTTL:     DefaultCacheTTL,
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

// LoadFile overlays options from a YAML file onto the config
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// envString returns the value of an environment variable, or the fallback
func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}

// ApplyEnv overlays FUSEKV_* environment variables onto the config
func (c *Config) ApplyEnv() {
	c.DBPath = envString("FUSEKV_DBPATH", c.DBPath)
	c.Address = envString("FUSEKV_ADDRESS", c.Address)
	c.TTL = envInt("FUSEKV_TTL", c.TTL)
	c.Token = envString("FUSEKV_TOKEN", c.Token)
	c.LogLevel = envString("FUSEKV_LOG_LEVEL", c.LogLevel)
	c.LogJSON = envBool("FUSEKV_LOG_JSON", c.LogJSON)
	c.LockFile = envString("FUSEKV_LOCK_FILE", c.LockFile)
	c.CacheEnabled = envBool("FUSEKV_CACHE", c.CacheEnabled)
	c.CacheTTL = envInt("FUSEKV_CACHE_TTL", c.CacheTTL)
	c.Metrics = envBool("FUSEKV_METRICS", c.Metrics)
	c.MetricsAddr = envString("FUSEKV_METRICS_ADDRESS", c.MetricsAddr)
	c.HealthCheck = envBool("FUSEKV_HEALTH_CHECK", c.HealthCheck)
}

// Finalize fills in derived options and validates the result
func (c *Config) Finalize() error {
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", c.Address, err)
	}

	if c.LockFile == "" {
		c.LockFile = filepath.Join(c.DBPath, "fusekv.lock")
	}

	// The metrics listener cannot share the data-plane socket, so it
	// defaults to the same host one thousand ports up.
	if c.MetricsAddr == "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		c.MetricsAddr = net.JoinHostPort(host, strconv.Itoa(p+1000))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	if c.TTL < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	if c.CacheTTL < 1 {
		return fmt.Errorf("cache-ttl must be at least 1 second")
	}
	if c.MaxFrameSize < 1024 {
		return fmt.Errorf("max-frame-size must be at least 1024 bytes")
	}
	return nil
}
