package tracer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/goa-trace/runtime/retry"
)

type (
	// Config configures a Tracer.
	Config struct {
		// APIKey is the bearer credential sent to the collector. Required.
		APIKey string `yaml:"api_key"`
		// Project is the collector project receiving the sessions. Required.
		Project string `yaml:"project"`
		// Source labels the deployment environment. Defaults to "dev".
		Source string `yaml:"source"`
		// SessionName is the display name of the session opened by Open.
		// Defaults to Project.
		SessionName string `yaml:"session_name"`
		// ServerURL is the collector base URL.
		ServerURL string `yaml:"server_url"`
		// DisableBatch uploads every event as soon as it is recorded.
		DisableBatch bool `yaml:"disable_batch"`
		// BatchSize is the number of pending events that triggers an upload.
		BatchSize int `yaml:"batch_size"`
		// FlushInterval is the period of the timer trigger.
		FlushInterval time.Duration `yaml:"flush_interval"`
		// Retry is the upload retry policy.
		Retry retry.Config `yaml:"retry"`
		// HTTPTimeout bounds each upload request.
		HTTPTimeout time.Duration `yaml:"http_timeout"`
	}

	// ConfigError reports an invalid or missing configuration field. It is
	// returned synchronously by New and Open.
	ConfigError struct {
		// Field is the configuration key at fault (e.g. "api_key").
		Field string
		// Reason describes the problem.
		Reason string
	}
)

const (
	// DefaultServerURL is the collector used when ServerURL is empty.
	DefaultServerURL = "https://api.honeyhive.ai"
	// DefaultSource is the environment label used when Source is empty.
	DefaultSource = "dev"
	// DefaultBatchSize is the default upload size trigger.
	DefaultBatchSize = 100
	// DefaultFlushInterval is the default upload timer period.
	DefaultFlushInterval = time.Second
	// DefaultHTTPTimeout is the default per-request timeout.
	DefaultHTTPTimeout = 10 * time.Second
)

// Environment variables read by ApplyEnv.
const (
	EnvAPIKey       = "TRACE_API_KEY"
	EnvProject      = "TRACE_PROJECT"
	EnvSource       = "TRACE_SOURCE"
	EnvSessionName  = "TRACE_SESSION_NAME"
	EnvServerURL    = "TRACE_SERVER_URL"
	EnvDisableBatch = "TRACE_DISABLE_BATCH"
)

// Error implements error.
func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tracer: invalid configuration: %s is required", e.Field)
	}
	return fmt.Sprintf("tracer: invalid configuration: %s: %s", e.Field, e.Reason)
}

// LoadConfig reads a YAML configuration file and applies environment
// overrides. Unknown keys are rejected. The result is not validated; New
// does that.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tracer: read config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("tracer: parse config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv builds a Config from environment variables only.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields with the TRACE_* environment variables that are
// set and non-empty.
func (c *Config) ApplyEnv() error {
	setString := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setString(&c.APIKey, EnvAPIKey)
	setString(&c.Project, EnvProject)
	setString(&c.Source, EnvSource)
	setString(&c.SessionName, EnvSessionName)
	setString(&c.ServerURL, EnvServerURL)
	if v := os.Getenv(EnvDisableBatch); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: "disable_batch", Reason: fmt.Sprintf("invalid boolean %q in %s", v, EnvDisableBatch)}
		}
		c.DisableBatch = b
	}
	return nil
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return &ConfigError{Field: "api_key"}
	}
	if c.Project == "" {
		return &ConfigError{Field: "project"}
	}
	if c.BatchSize < 0 {
		return &ConfigError{Field: "batch_size", Reason: "must not be negative"}
	}
	return nil
}

// WithDefaults returns c with empty optional fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.SessionName == "" {
		c.SessionName = c.Project
	}
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	c.Retry = c.Retry.WithDefaults()
	return c
}

// EffectiveBatchSize is the size trigger actually used: 1 when batching is
// disabled.
func (c Config) EffectiveBatchSize() int {
	if c.DisableBatch {
		return 1
	}
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}
