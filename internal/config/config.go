package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the vidscan server.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Upload   UploadConfig
	Analyzer AnalyzerConfig
	Jobs     JobsConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type LogConfig struct {
	Level slog.Level
	File  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

// AnalyzerConfig describes how the external video analyzer is launched.
type AnalyzerConfig struct {
	Python       string
	Script       string
	MaxDuration  time.Duration
	StallTimeout time.Duration
}

type JobsConfig struct {
	MaxConcurrent   int
	Retention       time.Duration
	JanitorSchedule string
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	levelName := strings.ToLower(envString("LOG_LEVEL", "info"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("VIDSCAN_PORT", 8080),
			Env:                envString("VIDSCAN_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Log: LogConfig{
			Level: validLogLevels[levelName],
			File:  os.Getenv("LOG_FILE"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Upload: UploadConfig{
			Dir:      envString("UPLOAD_DIR", "./uploads"),
			MaxBytes: envInt64("MAX_UPLOAD_BYTES", 500<<20),
		},
		Analyzer: AnalyzerConfig{
			Python:       envString("ANALYZER_PYTHON", "python3"),
			Script:       envString("ANALYZER_SCRIPT", "./ai/video_analyzer.py"),
			MaxDuration:  envDurationSecs("ANALYZER_MAX_DURATION_SECS", 30*time.Second),
			StallTimeout: envDuration("ANALYZER_STALL_TIMEOUT", 10*time.Minute),
		},
		Jobs: JobsConfig{
			MaxConcurrent:   envInt("MAX_CONCURRENT_JOBS", 2),
			Retention:       envDuration("JOB_RETENTION", 24*time.Hour),
			JanitorSchedule: envString("JANITOR_SCHEDULE", "@every 10m"),
		},
	}

	if _, ok := validLogLevels[levelName]; !ok {
		return nil, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", levelName)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if strings.TrimSpace(c.Upload.Dir) == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.Upload.MaxBytes)
	}

	if strings.TrimSpace(c.Analyzer.Script) == "" {
		return fmt.Errorf("ANALYZER_SCRIPT is required")
	}
	if c.Analyzer.MaxDuration <= 0 {
		return fmt.Errorf("ANALYZER_MAX_DURATION_SECS must be positive")
	}
	if c.Analyzer.StallTimeout <= 0 {
		return fmt.Errorf("ANALYZER_STALL_TIMEOUT must be positive")
	}

	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("JOB_RETENTION must be positive")
	}
	if _, err := cron.ParseStandard(c.Jobs.JanitorSchedule); err != nil {
		return fmt.Errorf("JANITOR_SCHEDULE %q is invalid: %w", c.Jobs.JanitorSchedule, err)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
