// Package config provides centralized configuration management.
//
// Configuration can be loaded from:
//  1. YAML file (config.yaml)
//  2. Environment variables (fallback)
//
// Example usage:
//
//	cfg := config.LoadOrEnv()
//	dbPath := cfg.Storage.DatabasePath
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the entire application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Matching      MatchingDefaults    `yaml:"matching"`
	Learning      LearningConfig      `yaml:"learning"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig holds database configuration.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// MatchingDefaults seed each organization's MatchingConfig on first touch.
// Per-organization overrides live in the database, not here.
type MatchingDefaults struct {
	AmountTolerancePercent float64 `yaml:"amount_tolerance_percent"`
	AmountToleranceFixed   float64 `yaml:"amount_tolerance_fixed"`
	DateWindowDays         int     `yaml:"date_window_days"`
	MerchantSimilarityMin  float64 `yaml:"merchant_similarity_min"`
	LocationRadiusKM       float64 `yaml:"location_radius_km"`
	AutoMatchThreshold     float64 `yaml:"auto_match_threshold"`
	SuggestThreshold       float64 `yaml:"suggest_threshold"`
	MaxCandidates          int     `yaml:"max_candidates"`
}

// LearningConfig controls the feedback-driven adaptation pass.
type LearningConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Schedule      string  `yaml:"schedule"`         // cron expression, e.g. "0 3 * * *"
	WindowDays    int     `yaml:"window_days"`      // rolling feedback window
	MaxStepPerRun float64 `yaml:"max_step_per_run"` // bound on weight/threshold nudges
}

// JobsConfig controls the bulk-matching worker pool.
type JobsConfig struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MATCH_DB_PATH})
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("MATCH_API_PORT", 8080),
		},
		Storage: StorageConfig{
			DatabasePath: getEnv("MATCH_DB_PATH", "receipt_match.db"),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("MATCH_LOG_LEVEL", "info"),
				Format: getEnv("MATCH_LOG_FORMAT", "maven"),
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadOrEnv tries the config file first, falling back to environment
// variables when it is missing or unreadable.
func LoadOrEnv() *Config {
	path := getEnv("MATCH_CONFIG", "config.yaml")
	if cfg, err := Load(path); err == nil {
		return cfg
	}
	return LoadFromEnv()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "receipt_match.db"
	}
	if c.Matching.AmountTolerancePercent == 0 {
		c.Matching.AmountTolerancePercent = 0.02
	}
	if c.Matching.AmountToleranceFixed == 0 {
		c.Matching.AmountToleranceFixed = 0.05
	}
	if c.Matching.DateWindowDays == 0 {
		c.Matching.DateWindowDays = 7
	}
	if c.Matching.MerchantSimilarityMin == 0 {
		c.Matching.MerchantSimilarityMin = 0.30
	}
	if c.Matching.LocationRadiusKM == 0 {
		c.Matching.LocationRadiusKM = 1.0
	}
	if c.Matching.AutoMatchThreshold == 0 {
		c.Matching.AutoMatchThreshold = 0.90
	}
	if c.Matching.SuggestThreshold == 0 {
		c.Matching.SuggestThreshold = 0.60
	}
	if c.Matching.MaxCandidates == 0 {
		c.Matching.MaxCandidates = 10
	}
	if c.Learning.Schedule == "" {
		c.Learning.Schedule = "0 3 * * *"
	}
	if c.Learning.WindowDays == 0 {
		c.Learning.WindowDays = 30
	}
	if c.Learning.MaxStepPerRun == 0 {
		c.Learning.MaxStepPerRun = 0.02
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 3
	}
	if c.Jobs.MaxAttempts == 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
}

// Validate checks the configuration for common mistakes.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Matching.SuggestThreshold > c.Matching.AutoMatchThreshold {
		return fmt.Errorf("suggest_threshold %.2f exceeds auto_match_threshold %.2f",
			c.Matching.SuggestThreshold, c.Matching.AutoMatchThreshold)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
