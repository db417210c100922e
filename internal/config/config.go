// ============================================================================
// Stream Gateway Config - YAML + Environment Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the gateway configuration
//
// Resolution Order (later wins):
//   1. Defaults()
//   2. YAML file (default: configs/default.yaml)
//   3. .env file in the working directory, if present
//   4. Environment variables:
//        GATEWAY_ADDR        server.addr
//        GATEWAY_CAPACITY    admission.capacity
//        UPSTREAM_API_KEY    upstream.api_key (OPENAI_API_KEY as fallback)
//        UPSTREAM_BASE_URL   upstream.base_url
//        UPSTREAM_MODEL      upstream.model
//        SENTIMENT_BASE_URL  enrichment.base_url
//        NATS_URL            events.nats_url
//        LOG_LEVEL           log.level
//
// Example:
//   admission:
//     capacity: 3
//     max_wait: 10m
//   upstream:
//     base_url: https://api.openai.com/v1
//     model: gpt-4o-mini
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the HTTP/gRPC listener section.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	GRPCAddr      string        `yaml:"grpc_addr"` // empty disables the gRPC health server
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// AdmissionConfig sizes the slot pool.
type AdmissionConfig struct {
	Capacity int           `yaml:"capacity"`
	MaxWait  time.Duration `yaml:"max_wait"` // 0 = unbounded
}

// UpstreamConfig points at the generation service.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Temperature    float32       `yaml:"temperature"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// GenerationConfig bounds Stage 2 and shapes document handling.
type GenerationConfig struct {
	ContextTimeout  time.Duration `yaml:"context_timeout"`
	Timeout         time.Duration `yaml:"timeout"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	ReservedKeys    []string      `yaml:"reserved_keys"`
	KeyFields       []string      `yaml:"key_fields"`
	MaxKeys         int           `yaml:"max_keys"`
	SchemaFile      string        `yaml:"schema_file"`
}

// SourceConfig is one Stage 1 context source.
type SourceConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EnrichmentConfig points at the sentiment provider.
type EnrichmentConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	MaxKeys int           `yaml:"max_keys"`
}

// EventsConfig enables NATS lifecycle events. Empty NATSURL disables them.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
}

// Config is the complete gateway configuration.
type Config struct {
	Server         ServerConfig     `yaml:"server"`
	Admission      AdmissionConfig  `yaml:"admission"`
	Upstream       UpstreamConfig   `yaml:"upstream"`
	Generation     GenerationConfig `yaml:"generation"`
	ContextSources []SourceConfig   `yaml:"context_sources"`
	Enrichment     EnrichmentConfig `yaml:"enrichment"`
	Events         EventsConfig     `yaml:"events"`
	Metrics        MetricsConfig    `yaml:"metrics"`
	Log            LogConfig        `yaml:"log"`
}

// Defaults returns a configuration usable without any file.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			MaxBodyBytes:  1 << 20,
			ShutdownGrace: 15 * time.Second,
		},
		Admission: AdmissionConfig{
			Capacity: 3,
			MaxWait:  10 * time.Minute,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			Temperature:    0.2,
			ConnectTimeout: 30 * time.Second,
		},
		Generation: GenerationConfig{
			ContextTimeout:  15 * time.Second,
			Timeout:         3 * time.Minute,
			DisconnectGrace: 2 * time.Second,
			ReservedKeys:    []string{"context"},
			KeyFields:       []string{"ticker", "symbol"},
			MaxKeys:         20,
		},
		Enrichment: EnrichmentConfig{
			Timeout: 8 * time.Second,
			MaxKeys: 20,
		},
		Events: EventsConfig{
			SubjectPrefix: "gateway.jobs",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load resolves the configuration. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}

	setString(&c.Server.Addr, "GATEWAY_ADDR")
	setString(&c.Upstream.APIKey, "UPSTREAM_API_KEY", "OPENAI_API_KEY")
	setString(&c.Upstream.BaseURL, "UPSTREAM_BASE_URL")
	setString(&c.Upstream.Model, "UPSTREAM_MODEL")
	setString(&c.Enrichment.BaseURL, "SENTIMENT_BASE_URL")
	setString(&c.Events.NATSURL, "NATS_URL")
	setString(&c.Log.Level, "LOG_LEVEL")

	if v := strings.TrimSpace(os.Getenv("GATEWAY_CAPACITY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_CAPACITY %q: %w", v, err)
		}
		c.Admission.Capacity = n
	}
	return nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Admission.Capacity < 1 {
		errs = append(errs, fmt.Errorf("admission.capacity must be positive, got %d", c.Admission.Capacity))
	}
	if c.Admission.MaxWait < 0 {
		errs = append(errs, errors.New("admission.max_wait must not be negative"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	seen := make(map[string]bool, len(c.ContextSources))
	for i, s := range c.ContextSources {
		if s.Name == "" || s.URL == "" {
			errs = append(errs, fmt.Errorf("context_sources[%d]: name and url are required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("context_sources[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the process logger from the log section.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
