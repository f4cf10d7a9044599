package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultRandomStoringMin      = 4
	DefaultRandomStoringMax      = 8
	DefaultRandomStoringCacheTTL = 15 * time.Minute
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// DatabaseConfig selects the directory backend used by RandomStoring.
type DatabaseConfig struct {
	Driver       string `toml:"driver"` // "postgres" or "sqlite"
	DSN          string `toml:"dsn"`
	MaxConns     int32  `toml:"max_conns"`
	QueryTimeout string `toml:"query_timeout"`
}

// HTTPAPIConfig holds the admin API configuration
type HTTPAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDR blocks; empty allows all
}

// StageConfig is a single matcher/mailet pair. Matcher uses the
// "Name=condition" notation; Params is passed verbatim to the mailet.
type StageConfig struct {
	Matcher string            `toml:"matcher"`
	Mailet  string            `toml:"mailet"`
	Params  map[string]string `toml:"params"`
}

// PipelineConfig holds the ordered mailet chain
type PipelineConfig struct {
	Postmaster string        `toml:"postmaster"`
	Stages     []StageConfig `toml:"stage"`
}

// RandomStoringConfig holds the defaults of the RandomStoring mailet. Stage
// params override Min and Max per instance.
type RandomStoringConfig struct {
	Min      int    `toml:"min"`
	Max      int    `toml:"max"`
	CacheTTL string `toml:"cache_ttl"`
}

// Config holds the complete daemon configuration
type Config struct {
	Logging       LoggingConfig       `toml:"logging"`
	Metrics       MetricsConfig       `toml:"metrics"`
	Database      DatabaseConfig      `toml:"database"`
	Relay         RelayConfig         `toml:"relay"`
	HTTPAPI       HTTPAPIConfig       `toml:"http_api"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	RandomStoring RandomStoringConfig `toml:"random_storing"`
}

// NewDefaultConfig returns a configuration with default values
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "/var/lib/mailroute/directory.db",
			MaxConns:     4,
			QueryTimeout: "30s",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: "127.0.0.1:8080",
		},
		Pipeline: PipelineConfig{
			Postmaster: "postmaster@localhost",
		},
		RandomStoring: RandomStoringConfig{
			Min:      DefaultRandomStoringMin,
			Max:      DefaultRandomStoringMax,
			CacheTTL: "15m",
		},
	}
}

// LoadConfigFromFile decodes a TOML file into cfg. Unknown keys are reported
// but not fatal.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file '%s': %w", configPath, err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}
	return nil
}

// Validate checks cross-field constraints that decoding cannot express
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be \"postgres\" or \"sqlite\", got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Pipeline.Postmaster == "" {
		return fmt.Errorf("pipeline.postmaster is required")
	}
	for i, stage := range c.Pipeline.Stages {
		if stage.Mailet == "" {
			return fmt.Errorf("pipeline.stage[%d]: mailet is required", i)
		}
	}
	if c.RandomStoring.Min <= 0 || c.RandomStoring.Max < c.RandomStoring.Min {
		return fmt.Errorf("random_storing: need 0 < min <= max, got min=%d max=%d", c.RandomStoring.Min, c.RandomStoring.Max)
	}
	if c.Relay.IsConfigured() && !c.Relay.IsSMTP() {
		return fmt.Errorf("relay.type %q is not supported", c.Relay.Type)
	}
	if c.HTTPAPI.Enabled && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the API is enabled")
	}
	return nil
}

// GetQueryTimeout returns the directory query timeout
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return ParseDuration(d.QueryTimeout)
}

// GetCacheTTL returns how long enumerated rerouting targets stay fresh
func (r *RandomStoringConfig) GetCacheTTL() (time.Duration, error) {
	if r.CacheTTL == "" {
		return DefaultRandomStoringCacheTTL, nil
	}
	return ParseDuration(r.CacheTTL)
}

// ParseDuration extends time.ParseDuration with a "d" (day) unit.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
