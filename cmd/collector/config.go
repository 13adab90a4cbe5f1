package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// config is the collector process configuration. Values are read from the
// optional YAML file first, then overridden by environment variables and
// finally by explicit flags.
type config struct {
	Addr      string        `yaml:"addr"`
	APIKeys   []string      `yaml:"api_keys"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
	MaxBody   int64         `yaml:"max_body_bytes"`
	Mongo     mongoConfig   `yaml:"mongo"`
	Redis     redisConfig   `yaml:"redis"`
	Shutdown  time.Duration `yaml:"shutdown_timeout"`
}

type mongoConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

type redisConfig struct {
	URL          string `yaml:"url"`
	StreamMaxLen int    `yaml:"stream_max_len"`
}

func defaultConfig() config {
	return config{
		Addr:      ":8088",
		RateBurst: 20,
		Mongo: mongoConfig{
			Database: "goa_trace",
			Timeout:  5 * time.Second,
		},
		Shutdown: 30 * time.Second,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Addr = envOr("COLLECTOR_ADDR", cfg.Addr)
	if keys := os.Getenv("COLLECTOR_API_KEYS"); keys != "" {
		cfg.APIKeys = splitList(keys)
	}
	var err error
	if cfg.RateLimit, err = envFloatOr("COLLECTOR_RATE_LIMIT", cfg.RateLimit); err != nil {
		return config{}, err
	}
	if cfg.RateBurst, err = envIntOr("COLLECTOR_RATE_BURST", cfg.RateBurst); err != nil {
		return config{}, err
	}
	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)
	if cfg.Mongo.Timeout, err = envDurationOr("MONGO_TIMEOUT", cfg.Mongo.Timeout); err != nil {
		return config{}, err
	}
	cfg.Redis.URL = envOr("REDIS_URL", cfg.Redis.URL)
	return cfg, nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envIntOr(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return n, nil
}

func envFloatOr(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return f, nil
}

func envDurationOr(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
