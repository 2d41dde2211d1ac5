// Package config loads service configuration. Values are layered, later
// sources winning: built-in defaults, an optional YAML file, a .env file and
// finally the process environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendFirestore = "firestore"
	BackendBolt      = "bolt"
)

// Server configures the HTTP surface.
type Server struct {
	Port       string  `yaml:"port"`
	CORSOrigin string  `yaml:"cors_origin"`
	RateLimit  float64 `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst  int     `yaml:"rate_burst"`
	// MetricsAddr is where binaries without an HTTP API expose /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Store selects and configures the farmer collection backend.
type Store struct {
	Backend         string `yaml:"backend"`
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
	BoltPath        string `yaml:"bolt_path"`
}

// Search tunes the similarity retriever.
type Search struct {
	DefaultTopK      int           `yaml:"default_top_k"`
	MaxRecords       int           `yaml:"max_records"`
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// Ollama configures the embedding client.
type Ollama struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// NATS configures messaging. An empty URL disables it.
type NATS struct {
	URL           string `yaml:"url"`
	SearchSubject string `yaml:"search_subject"`
	EventSubject  string `yaml:"event_subject"`
	Queue         string `yaml:"queue"`
}

// Config is the root configuration shared by every binary.
type Config struct {
	Server   Server `yaml:"server"`
	Store    Store  `yaml:"store"`
	Search   Search `yaml:"search"`
	Ollama   Ollama `yaml:"ollama"`
	NATS     NATS   `yaml:"nats"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{Port: "8080", CORSOrigin: "*", RateLimit: 50, RateBurst: 100, MetricsAddr: ":9091"},
		Store: Store{
			Backend:    BackendFirestore,
			Collection: "farmers",
			BoltPath:   "farmers.db",
		},
		Search: Search{
			DefaultTopK:      3,
			ScanTimeout:      10 * time.Second,
			RetryAttempts:    3,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Ollama: Ollama{URL: "http://localhost:11434", Model: "nomic-embed-text"},
		NATS: NATS{
			SearchSubject: "farmer.search",
			EventSubject:  "farmer.search.completed",
			Queue:         "search-workers",
		},
		LogLevel: "info",
	}
}

// Load builds a Config from path (may be empty or missing) and the
// environment. A .env file in the working directory is read if present;
// variables already set in the process take precedence over it. overrides
// run last, before validation.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.CORSOrigin = envOr("CORS_ORIGIN", c.Server.CORSOrigin)
	c.Server.RateLimit = envFloat("RATE_LIMIT_RPS", c.Server.RateLimit, &errs)
	c.Server.RateBurst = envInt("RATE_LIMIT_BURST", c.Server.RateBurst, &errs)
	c.Server.MetricsAddr = envOr("METRICS_ADDR", c.Server.MetricsAddr)

	c.Store.Backend = envOr("STORE_BACKEND", c.Store.Backend)
	c.Store.ProjectID = envOr("GOOGLE_CLOUD_PROJECT", c.Store.ProjectID)
	c.Store.Collection = envOr("FIRESTORE_COLLECTION", c.Store.Collection)
	c.Store.CredentialsFile = envOr("GOOGLE_APPLICATION_CREDENTIALS", c.Store.CredentialsFile)
	c.Store.Endpoint = envOr("FIRESTORE_ENDPOINT", c.Store.Endpoint)
	c.Store.BoltPath = envOr("BOLT_PATH", c.Store.BoltPath)

	c.Search.DefaultTopK = envInt("SEARCH_DEFAULT_TOP_K", c.Search.DefaultTopK, &errs)
	c.Search.MaxRecords = envInt("SEARCH_MAX_RECORDS", c.Search.MaxRecords, &errs)
	c.Search.ScanTimeout = envDuration("SEARCH_SCAN_TIMEOUT", c.Search.ScanTimeout, &errs)
	c.Search.RetryAttempts = envInt("SEARCH_RETRY_ATTEMPTS", c.Search.RetryAttempts, &errs)
	c.Search.BreakerThreshold = envInt("BREAKER_THRESHOLD", c.Search.BreakerThreshold, &errs)
	c.Search.BreakerTimeout = envDuration("BREAKER_TIMEOUT", c.Search.BreakerTimeout, &errs)

	c.Ollama.URL = envOr("OLLAMA_URL", c.Ollama.URL)
	c.Ollama.Model = envOr("OLLAMA_MODEL", c.Ollama.Model)

	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
	c.NATS.SearchSubject = envOr("NATS_SEARCH_SUBJECT", c.NATS.SearchSubject)
	c.NATS.EventSubject = envOr("NATS_EVENT_SUBJECT", c.NATS.EventSubject)
	c.NATS.Queue = envOr("NATS_QUEUE", c.NATS.Queue)

	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendFirestore:
		if c.Store.ProjectID == "" {
			errs = append(errs, errors.New("config: store.project_id is required for firestore"))
		}
	case BackendBolt:
		if c.Store.BoltPath == "" {
			errs = append(errs, errors.New("config: store.bolt_path is required for bolt"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Store.Backend))
	}
	if c.Search.DefaultTopK < 1 {
		errs = append(errs, fmt.Errorf("config: search.default_top_k must be >= 1, got %d", c.Search.DefaultTopK))
	}
	if c.Search.MaxRecords < 0 {
		errs = append(errs, fmt.Errorf("config: search.max_records must be >= 0, got %d", c.Search.MaxRecords))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return d
}
