// Package config loads the service configuration from a YAML file with
// environment variable overrides. Precedence: defaults < file < environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Treystu/BMSview-sub009/internal/dedup"
)

// Duration is a time.Duration that unmarshals from YAML strings like "60s"
// as well as raw nanosecond integers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Analyzer    AnalyzerConfig    `yaml:"analyzer"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Dedup       dedup.Config      `yaml:"dedup"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Systems     []SeedSystem      `yaml:"systems"`
}

type ServerConfig struct {
	// Port the HTTP listener binds to.
	// Default: 8080
	Port int `yaml:"port"`

	// AllowedOrigins for CORS. Empty list rejects cross-origin browsers.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// RateLimit is requests/second allowed per client IP. 0 disables
	// rate limiting.
	// Default: 5
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the per-client burst allowance.
	// Default: 10
	RateBurst int `yaml:"rate_burst"`

	// ShutdownTimeout bounds graceful drain on SIGTERM.
	// Default: 15s
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// Path to the sqlite database file.
	// Default: bmsview.db
	Path string `yaml:"path"`
}

type AnalyzerConfig struct {
	// Backend selects the vision model provider: "anthropic" or "openai".
	// Default: anthropic
	Backend string `yaml:"backend"`

	// Model overrides the backend's default model name. Empty uses the
	// backend default.
	Model string `yaml:"model"`

	// APIKey for the backend. Usually supplied via ANTHROPIC_API_KEY or
	// OPENAI_API_KEY instead of the file.
	APIKey string `yaml:"api_key"`

	// MaxConcurrent caps in-flight analyzer calls across all requests.
	// Default: 4
	MaxConcurrent int `yaml:"max_concurrent"`
}

type ResilienceConfig struct {
	// Timeout is the per-attempt analyzer deadline.
	// Default: 60s
	Timeout Duration `yaml:"timeout"`

	// MaxRetries after the first attempt. Timeouts and open circuits are
	// never retried regardless of this value.
	// Default: 2
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff before the first retry; doubles per attempt.
	// Default: 1s
	InitialBackoff Duration `yaml:"initial_backoff"`

	// FailureThreshold is consecutive failures before the circuit opens.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// OpenTimeout is how long an open circuit blocks calls before probing.
	// Default: 30s
	OpenTimeout Duration `yaml:"open_timeout"`
}

type IdempotencyConfig struct {
	// Path to the badger directory holding idempotency entries. Empty with
	// InMemory false disables the cache entirely.
	Path string `yaml:"path"`

	// InMemory keeps entries in RAM only; they do not survive restarts.
	InMemory bool `yaml:"in_memory"`

	// TTL after which an entry expires and the key reprocesses.
	// Default: 24h
	TTL Duration `yaml:"ttl"`
}

type ArchiveConfig struct {
	// Enabled turns on screenshot archival to object storage.
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SeedSystem declares a known physical system to upsert at startup, so
// association works on a fresh database.
type SeedSystem struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Identifiers []string `yaml:"identifiers"`
}

// Default returns the configuration used when the file omits a section.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RateLimit:       5,
			RateBurst:       10,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Storage: StorageConfig{
			Path: "bmsview.db",
		},
		Analyzer: AnalyzerConfig{
			Backend:       "anthropic",
			MaxConcurrent: 4,
		},
		Resilience: ResilienceConfig{
			Timeout:          Duration(60 * time.Second),
			MaxRetries:       2,
			InitialBackoff:   Duration(time.Second),
			FailureThreshold: 5,
			OpenTimeout:      Duration(30 * time.Second),
		},
		Dedup: dedup.DefaultConfig(),
		Idempotency: IdempotencyConfig{
			TTL: Duration(24 * time.Hour),
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. API keys are the
// expected case; the rest exist for container deployments without a file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("BMSVIEW_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BMSVIEW_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("BMSVIEW_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("BMSVIEW_ANALYZER_BACKEND"); v != "" {
		c.Analyzer.Backend = v
	}
	if v := os.Getenv("BMSVIEW_ANALYZER_MODEL"); v != "" {
		c.Analyzer.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Analyzer.Backend == "anthropic" {
		c.Analyzer.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Analyzer.Backend == "openai" {
		c.Analyzer.APIKey = v
	}
	if v := os.Getenv("BMSVIEW_IDEMPOTENCY_PATH"); v != "" {
		c.Idempotency.Path = v
	}

	// Env-tuned dedup thresholds win over the file, matching the precedence
	// of every other setting. Only variables actually set are applied.
	if os.Getenv("BMSVIEW_UPGRADE_THRESHOLD") != "" ||
		os.Getenv("BMSVIEW_MIN_QUALITY_IMPROVEMENT") != "" ||
		os.Getenv("BMSVIEW_MAX_EXTRACTION_ATTEMPTS") != "" {
		dedupCfg, err := dedup.ConfigFromEnv()
		if err != nil {
			return err
		}
		if os.Getenv("BMSVIEW_UPGRADE_THRESHOLD") != "" {
			c.Dedup.UpgradeThreshold = dedupCfg.UpgradeThreshold
		}
		if os.Getenv("BMSVIEW_MIN_QUALITY_IMPROVEMENT") != "" {
			c.Dedup.MinQualityImprovement = dedupCfg.MinQualityImprovement
		}
		if os.Getenv("BMSVIEW_MAX_EXTRACTION_ATTEMPTS") != "" {
			c.Dedup.MaxExtractionAttempts = dedupCfg.MaxExtractionAttempts
		}
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535 (got %d)", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative (got %.1f)", c.Server.RateLimit)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	switch c.Analyzer.Backend {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("analyzer.backend must be anthropic or openai (got %q)", c.Analyzer.Backend)
	}
	if c.Analyzer.MaxConcurrent < 1 {
		return fmt.Errorf("analyzer.max_concurrent must be >= 1 (got %d)", c.Analyzer.MaxConcurrent)
	}
	if c.Resilience.Timeout <= 0 {
		return fmt.Errorf("resilience.timeout must be positive (got %v)", c.Resilience.Timeout)
	}
	if c.Resilience.MaxRetries < 0 {
		return fmt.Errorf("resilience.max_retries cannot be negative (got %d)", c.Resilience.MaxRetries)
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive (got %v)", c.Idempotency.TTL)
	}
	if err := c.Dedup.Validate(); err != nil {
		return err
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("archive.endpoint and archive.bucket are required when archival is enabled")
		}
	}
	for i := range c.Systems {
		if c.Systems[i].ID == "" || c.Systems[i].Name == "" {
			return fmt.Errorf("systems[%d]: id and name are required", i)
		}
	}
	return nil
}
