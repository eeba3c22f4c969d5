// Package config loads gateway configuration from an optional YAML file with
// GITLAB_MCP_* environment overrides layered on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables; the remainder is
// lowercased and double underscores become dots, so
// GITLAB_MCP_SESSION__IDLE_TTL overrides session.idle_ttl.
const EnvPrefix = "GITLAB_MCP_"

// Config is the full gateway configuration
type Config struct {
	// Listen is the HTTP listen address
	Listen string `koanf:"listen"`
	// Debug enables detailed internals (error causes) in HTTP error bodies
	Debug bool `koanf:"debug"`

	Log      Log      `koanf:"log"`
	Upstream Upstream `koanf:"upstream"`
	Session  Session  `koanf:"session"`
	Metrics  Metrics  `koanf:"metrics"`
	Tracing  Tracing  `koanf:"tracing"`
}

// Log configures the structured logger
type Log struct {
	// Level is one of debug, info, warn, error
	Level string `koanf:"level"`
	// Format is text or json
	Format string `koanf:"format"`
}

// Upstream configures the per-session GitLab clients
type Upstream struct {
	// BaseURL, when set, serves requests that omit the base URL header.
	// Empty means both credential headers are required.
	BaseURL string `koanf:"base_url"`
	// Timeout bounds every upstream call, validation included
	Timeout time.Duration `koanf:"timeout"`
}

// Session configures the store's idle expiry
type Session struct {
	// IdleTTL is how long a session may sit inactive before eviction
	IdleTTL time.Duration `koanf:"idle_ttl"`
	// SweepInterval is how often the reaper scans the store
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// Tracing configures OpenTelemetry export
type Tracing struct {
	Enabled bool `koanf:"enabled"`
	// Exporter is otlp-grpc, otlp-http or noop
	Exporter   string  `koanf:"exporter"`
	Endpoint   string  `koanf:"endpoint"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Listen: ":8080",
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Upstream: Upstream{
			Timeout: 30 * time.Second,
		},
		Session: Session{
			IdleTTL:       60 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Metrics: Metrics{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: Tracing{
			Enabled:    false,
			Exporter:   "otlp-grpc",
			SampleRate: 1.0,
		},
	}
}

// Load reads configuration from the given YAML file (skipped when path is
// empty) and applies environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("session.idle_ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
