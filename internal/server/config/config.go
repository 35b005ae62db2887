package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port            string        `toml:"port"`
	StoragePath     string        `toml:"storage_path"`
	MaxFileSize     int64         `toml:"max_file_size"`
	RateLimitRPS    float64       `toml:"rate_limit_rps"`
	RateLimitBurst  int           `toml:"rate_limit_burst"`
	SweepInterval   time.Duration `toml:"-"`
	SweepGrace      time.Duration `toml:"-"`
	ShutdownTimeout time.Duration `toml:"-"`

	// Durations are expressed in whole units in the file, matching the env keys.
	SweepIntervalMinutes   int `toml:"sweep_interval_minutes"`
	SweepGraceMinutes      int `toml:"sweep_grace_minutes"`
	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`
}

// Default returns the configuration used when neither a file nor env overrides are present.
func Default() *Config {
	return &Config{
		Port:                   "8000",
		StoragePath:            "./upload",
		MaxFileSize:            20 * 1024 * 1024, // 20MB
		RateLimitRPS:           10,
		RateLimitBurst:         20,
		SweepIntervalMinutes:   10,
		SweepGraceMinutes:      5,
		ShutdownTimeoutSeconds: 30,
	}
}

// Load builds the configuration from defaults, the optional TOML file named by
// CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.StoragePath = getEnv("STORAGE_PATH", cfg.StoragePath)
	cfg.MaxFileSize = getEnvInt64("MAX_FILE_SIZE", cfg.MaxFileSize)
	cfg.RateLimitRPS = getEnvFloat64("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.SweepIntervalMinutes = getEnvInt("SWEEP_INTERVAL_MINUTES", cfg.SweepIntervalMinutes)
	cfg.SweepGraceMinutes = getEnvInt("SWEEP_GRACE_MINUTES", cfg.SweepGraceMinutes)
	cfg.ShutdownTimeoutSeconds = getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", cfg.ShutdownTimeoutSeconds)

	cfg.resolveDurations()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) resolveDurations() {
	c.SweepInterval = time.Duration(c.SweepIntervalMinutes) * time.Minute
	c.SweepGrace = time.Duration(c.SweepGraceMinutes) * time.Minute
	c.ShutdownTimeout = time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("storage_path must not be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive, got %d", c.MaxFileSize)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate_limit_rps must be positive, got %g", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit_burst must be positive, got %d", c.RateLimitBurst)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout_seconds must be positive, got %d", c.ShutdownTimeoutSeconds)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval_minutes must be positive, got %d", c.SweepIntervalMinutes)
	}
	if c.SweepGrace < 0 {
		return fmt.Errorf("sweep_grace_minutes must not be negative, got %d", c.SweepGraceMinutes)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}
