package dedup

import (
	"fmt"
	"os"
	"strconv"
)

// CriticalFields are the analysis fields a record must carry to be considered
// usable downstream. A record missing any of them is re-analyzed regardless
// of its validation score: charts and alerting are meaningless without them.
var CriticalFields = []string{
	"stateOfCharge",
	"totalVoltage",
	"current",
}

// Config holds configuration for the duplicate resolver's upgrade policy.
type Config struct {
	// UpgradeThreshold is the validation score below which a stored record
	// is considered low-confidence and worth one re-analysis.
	// Default: 80.
	UpgradeThreshold float64 `yaml:"upgrade_threshold"`

	// MinQualityImprovement is the minimum score delta an upgrade must have
	// produced for further upgrades to be worthwhile. When a past upgrade
	// moved the score by less than this, the record is accepted permanently.
	// Default: 5.
	MinQualityImprovement float64 `yaml:"min_quality_improvement"`

	// MaxExtractionAttempts caps how many times the analyzer may run for one
	// record (initial analysis included). The resolver is a decision table,
	// not a loop: with the default of 2, a record gets at most one upgrade
	// no matter how often its content is resubmitted.
	// Default: 2.
	MaxExtractionAttempts int `yaml:"max_extraction_attempts"`

	// CriticalFields lists the analysis fields whose absence always
	// triggers re-analysis. Default: the package-level CriticalFields list.
	CriticalFields []string `yaml:"critical_fields"`
}

// DefaultConfig returns the default upgrade policy.
//
// The defaults bound analyzer spend: a poor-quality record gets exactly one
// second chance, and a record the analyzer cannot improve is frozen rather
// than retried forever.
func DefaultConfig() Config {
	return Config{
		UpgradeThreshold:      80,
		MinQualityImprovement: 5,
		MaxExtractionAttempts: 2,
		CriticalFields:        CriticalFields,
	}
}

// Validate checks if the configuration has valid values.
func (c Config) Validate() error {
	if c.UpgradeThreshold < 0 || c.UpgradeThreshold > 100 {
		return fmt.Errorf("upgrade_threshold must be between 0 and 100 (got %.1f)", c.UpgradeThreshold)
	}
	if c.MinQualityImprovement < 0 {
		return fmt.Errorf("min_quality_improvement cannot be negative (got %.1f)", c.MinQualityImprovement)
	}
	if c.MinQualityImprovement > 100 {
		return fmt.Errorf("min_quality_improvement too large (got %.1f, max 100)", c.MinQualityImprovement)
	}
	if c.MaxExtractionAttempts < 1 {
		return fmt.Errorf("max_extraction_attempts must be at least 1 (got %d)", c.MaxExtractionAttempts)
	}
	if c.MaxExtractionAttempts > 10 {
		return fmt.Errorf("max_extraction_attempts too large (got %d, max 10)", c.MaxExtractionAttempts)
	}
	if len(c.CriticalFields) == 0 {
		return fmt.Errorf("critical_fields cannot be empty")
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf("Config{Threshold: %.0f, MinImprovement: %.0f, MaxAttempts: %d, CriticalFields: %v}",
		c.UpgradeThreshold, c.MinQualityImprovement, c.MaxExtractionAttempts, c.CriticalFields)
}

// ConfigFromEnv creates a Config from environment variables, falling back to
// defaults.
//
// Environment variables:
//   - BMSVIEW_UPGRADE_THRESHOLD: score below which a record is re-analyzed (default: 80)
//   - BMSVIEW_MIN_QUALITY_IMPROVEMENT: minimum useful score delta (default: 5)
//   - BMSVIEW_MAX_EXTRACTION_ATTEMPTS: analyzer runs per record (default: 2)
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if err := parseEnvFloat("BMSVIEW_UPGRADE_THRESHOLD", &cfg.UpgradeThreshold); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("BMSVIEW_MIN_QUALITY_IMPROVEMENT", &cfg.MinQualityImprovement); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("BMSVIEW_MAX_EXTRACTION_ATTEMPTS", &cfg.MaxExtractionAttempts); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
