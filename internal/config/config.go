// Package config loads service configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (DATABASE_URL, AUTOMATION_RULE_CACHE_TTL, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map to keys by splitting on the first underscore:
//
//	DATABASE_URL              -> database.url
//	AUTOMATION_WATCHED_ENTITY -> automation.watched_entity
//	NATS_SUBJECT              -> nats.subject
//
// PORT is accepted as server.port.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/liamcoop/automations/automation"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Config is the complete service configuration
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Automation AutomationConfig `koanf:"automation"`
	NATS       NATSConfig       `koanf:"nats"`
	Log        LogConfig        `koanf:"log"`
	OTEL       OTELConfig       `koanf:"otel"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Port           int           `koanf:"port"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes"`
}

// DatabaseConfig configures the Postgres connection pool
type DatabaseConfig struct {
	URL          string `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

// AutomationConfig configures rule dispatch
type AutomationConfig struct {
	WatchedEntity string        `koanf:"watched_entity"`
	Comparison    string        `koanf:"comparison"`
	RuleCacheTTL  time.Duration `koanf:"rule_cache_ttl"`
	RecordRuns    bool          `koanf:"record_runs"`
}

// NATSConfig configures the optional NATS intake; empty URL disables it
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
	Queue   string `koanf:"queue"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level           string `koanf:"level"`
	ErrorSampleRate int    `koanf:"error_sample_rate"`
}

// OTELConfig toggles OpenTelemetry log export
type OTELConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var sections = map[string]bool{
	"server": true, "database": true, "automation": true, "nats": true, "log": true, "otel": true,
}

// envKey maps an environment variable name to a config key, or "" to skip it
func envKey(s string) string {
	lower := strings.ToLower(s)
	if lower == "port" {
		return "server.port"
	}

	parts := strings.SplitN(lower, "_", 2)
	if len(parts) != 2 || !sections[parts[0]] {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// Load reads configuration from the YAML file at path (skipped when path is
// empty or the file does not exist), then the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is %d bytes, maximum is %d", path, info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Automation.WatchedEntity == "" {
		cfg.Automation.WatchedEntity = automation.DefaultWatchedEntity
	}
	if cfg.Automation.Comparison == "" {
		cfg.Automation.Comparison = string(automation.CompareLoose)
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "automations.events"
	}
	if cfg.NATS.Queue == "" {
		cfg.NATS.Queue = "automations"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
	if cfg.Log.ErrorSampleRate == 0 {
		cfg.Log.ErrorSampleRate = 1
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "automations"
	}
}

// Validate reports configuration the service cannot start with
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if _, err := automation.ParseComparisonMode(c.Automation.Comparison); err != nil {
		return fmt.Errorf("automation.comparison: %w", err)
	}
	if c.Automation.RuleCacheTTL < 0 {
		return fmt.Errorf("automation.rule_cache_ttl must not be negative")
	}
	return nil
}

// ComparisonMode returns the parsed comparison mode; call Validate first
func (c *Config) ComparisonMode() automation.ComparisonMode {
	mode, _ := automation.ParseComparisonMode(c.Automation.Comparison)
	return mode
}
