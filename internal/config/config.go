// Package config loads run settings from defaults, an optional YAML file
// and XENOSCAN_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix       = "XENOSCAN"
	DefaultFileName = "xenoscan"
)

type Config struct {
	OutputDir string          `mapstructure:"output_dir"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type FetchConfig struct {
	IOWorkers         int           `mapstructure:"io_workers"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Source            string        `mapstructure:"source"` // synthetic, http
	BaseURL           string        `mapstructure:"base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	Mission           string        `mapstructure:"mission"`
	Cadence           string        `mapstructure:"cadence"`
	CacheDir          string        `mapstructure:"cache_dir"`
}

type RateLimitConfig struct {
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	Multiplier        float64       `mapstructure:"multiplier"`
	CooldownThreshold int           `mapstructure:"cooldown_threshold"`
}

type ExtractConfig struct {
	// CPUWorkers 0 means min(fetch.io_workers, 2).
	CPUWorkers    int           `mapstructure:"cpu_workers"`
	Timeout       time.Duration `mapstructure:"timeout"`
	WorkerCommand []string      `mapstructure:"worker_command"`
	MinPoints     int           `mapstructure:"min_points"`
}

type UploadConfig struct {
	Driver     string        `mapstructure:"driver"` // dryrun, postgres, sqlite
	DSN        string        `mapstructure:"dsn"`
	MaxConns   int           `mapstructure:"max_conns"`
	PauseEvery int           `mapstructure:"pause_every"`
	Pause      time.Duration `mapstructure:"pause"`
}

type BatchConfig struct {
	CheckpointDir      string  `mapstructure:"checkpoint_dir"`
	CheckpointName     string  `mapstructure:"checkpoint_name"`
	CheckpointInterval int     `mapstructure:"checkpoint_interval"`
	ProgressEvery      int     `mapstructure:"progress_every"`
	MinSuccessRate     float64 `mapstructure:"min_success_rate"`
	DeleteLocal        bool    `mapstructure:"delete_local"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	FilePath  string `mapstructure:"file_path"`
	AddSource bool   `mapstructure:"add_source"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_dir", "data")

	v.SetDefault("fetch.io_workers", 2)
	v.SetDefault("fetch.timeout", 180*time.Second)
	v.SetDefault("fetch.retry_attempts", 3)
	v.SetDefault("fetch.retry_base_delay", time.Second)
	v.SetDefault("fetch.retry_max_delay", 5*time.Minute)
	v.SetDefault("fetch.requests_per_second", 0.0)
	v.SetDefault("fetch.source", "synthetic")
	v.SetDefault("fetch.base_url", "")
	v.SetDefault("fetch.user_agent", "xenoscan")
	v.SetDefault("fetch.mission", "Kepler")
	v.SetDefault("fetch.cadence", "long")
	v.SetDefault("fetch.cache_dir", "")

	v.SetDefault("rate_limit.initial_backoff", time.Second)
	v.SetDefault("rate_limit.max_backoff", 60*time.Second)
	v.SetDefault("rate_limit.multiplier", 2.0)
	v.SetDefault("rate_limit.cooldown_threshold", 100)

	v.SetDefault("extract.cpu_workers", 0)
	v.SetDefault("extract.timeout", 300*time.Second)
	v.SetDefault("extract.worker_command", []string{})
	v.SetDefault("extract.min_points", 10)

	v.SetDefault("upload.driver", "dryrun")
	v.SetDefault("upload.dsn", "")
	v.SetDefault("upload.max_conns", 4)
	v.SetDefault("upload.pause_every", 50)
	v.SetDefault("upload.pause", time.Second)

	v.SetDefault("batch.checkpoint_dir", "")
	v.SetDefault("batch.checkpoint_name", "pipeline_state.json")
	v.SetDefault("batch.checkpoint_interval", 100)
	v.SetDefault("batch.progress_every", 10)
	v.SetDefault("batch.min_success_rate", 0.9)
	v.SetDefault("batch.delete_local", true)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.add_source", false)
}

// Load reads configPath, or xenoscan.yaml from ./configs or the working
// directory when configPath is empty. Only an explicitly named file has to
// exist.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the compiled-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.Fetch.IOWorkers <= 0 {
		return fmt.Errorf("fetch.io_workers must be positive, got %d", c.Fetch.IOWorkers)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.Fetch.RetryAttempts <= 0 {
		return fmt.Errorf("fetch.retry_attempts must be positive, got %d", c.Fetch.RetryAttempts)
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("fetch.requests_per_second must not be negative")
	}
	switch c.Fetch.Source {
	case "synthetic":
	case "http":
		if c.Fetch.BaseURL == "" {
			return fmt.Errorf("fetch.base_url is required for the http source")
		}
	default:
		return fmt.Errorf("invalid fetch.source: %s, must be 'synthetic' or 'http'", c.Fetch.Source)
	}

	if c.RateLimit.InitialBackoff <= 0 {
		return fmt.Errorf("rate_limit.initial_backoff must be positive")
	}
	if c.RateLimit.MaxBackoff < c.RateLimit.InitialBackoff {
		return fmt.Errorf("rate_limit.max_backoff %s is below initial_backoff %s", c.RateLimit.MaxBackoff, c.RateLimit.InitialBackoff)
	}
	if c.RateLimit.Multiplier < 1 {
		return fmt.Errorf("rate_limit.multiplier must be >= 1, got %g", c.RateLimit.Multiplier)
	}
	if c.RateLimit.CooldownThreshold <= 0 {
		return fmt.Errorf("rate_limit.cooldown_threshold must be positive")
	}

	if c.Extract.CPUWorkers < 0 {
		return fmt.Errorf("extract.cpu_workers must not be negative, got %d", c.Extract.CPUWorkers)
	}
	if c.Extract.Timeout <= 0 {
		return fmt.Errorf("extract.timeout must be positive")
	}

	switch strings.ToLower(c.Upload.Driver) {
	case "dryrun":
	case "postgres", "sqlite":
		if c.Upload.DSN == "" {
			return fmt.Errorf("upload.dsn is required for driver %s", c.Upload.Driver)
		}
	default:
		return fmt.Errorf("invalid upload.driver: %s, must be 'dryrun', 'postgres' or 'sqlite'", c.Upload.Driver)
	}
	if c.Upload.PauseEvery < 0 || c.Upload.Pause < 0 {
		return fmt.Errorf("upload pacing must not be negative")
	}

	if c.Batch.MinSuccessRate < 0 || c.Batch.MinSuccessRate > 1 {
		return fmt.Errorf("batch.min_success_rate must be within [0,1], got %g", c.Batch.MinSuccessRate)
	}
	if c.Batch.CheckpointInterval <= 0 {
		return fmt.Errorf("batch.checkpoint_interval must be positive")
	}
	if strings.ContainsRune(c.Batch.CheckpointName, filepath.Separator) || c.Batch.CheckpointName == "" {
		return fmt.Errorf("invalid batch.checkpoint_name: %q", c.Batch.CheckpointName)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s, must be 'json' or 'text'", c.Log.Format)
	}
	switch c.Log.Output {
	case "stdout", "stderr":
	case "file":
		if c.Log.FilePath == "" {
			return fmt.Errorf("log.file_path is required when output is 'file'")
		}
	default:
		return fmt.Errorf("invalid log output: %s", c.Log.Output)
	}
	return nil
}

func (c *Config) CPUWorkers() int {
	if c.Extract.CPUWorkers > 0 {
		return c.Extract.CPUWorkers
	}
	return min(c.Fetch.IOWorkers, 2)
}

func (c *Config) CacheDir() string {
	if c.Fetch.CacheDir != "" {
		return c.Fetch.CacheDir
	}
	return filepath.Join(c.OutputDir, "cache")
}

func (c *Config) CheckpointDir() string {
	if c.Batch.CheckpointDir != "" {
		return c.Batch.CheckpointDir
	}
	return filepath.Join(c.OutputDir, "checkpoints")
}

func (c *Config) ReportPath() string {
	return filepath.Join(c.OutputDir, "outcomes.csv")
}
