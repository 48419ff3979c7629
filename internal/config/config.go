// Package config loads service configuration from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/launcher"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the service configuration. Every key can be set through the
// upper-cased environment variable of the same name, which takes
// precedence over the file.
type Config struct {
	Port           string        `mapstructure:"port"`
	DatabaseURL    string        `mapstructure:"database_url"`
	RedisURL       string        `mapstructure:"redis_url"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	ObservationsDB string        `mapstructure:"observations_db"`
	Workers        int           `mapstructure:"workers"` // 0 means GOMAXPROCS
	PeriodsPerYear float64       `mapstructure:"periods_per_year"`
	WindowSize     int           `mapstructure:"window_size"`
	StepSize       int           `mapstructure:"step_size"`
	LogLevel       string        `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("observations_db", "data/observations.db")
	v.SetDefault("workers", 0)
	v.SetDefault("periods_per_year", engine.DefaultPeriodsPerYear)
	v.SetDefault("window_size", launcher.DefaultWindowSize)
	v.SetDefault("step_size", launcher.DefaultStepSize)
	v.SetDefault("log_level", "info")
}

// Load reads the file at path, or at $CONFIG_FILE when path is empty,
// then applies environment overrides. No file is required.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: port is empty", ErrInvalid)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers %d is negative", ErrInvalid, c.Workers)
	case c.PeriodsPerYear <= 0:
		return fmt.Errorf("%w: periods_per_year %v must be positive", ErrInvalid, c.PeriodsPerYear)
	case c.CacheTTL < 0:
		return fmt.Errorf("%w: cache_ttl %s is negative", ErrInvalid, c.CacheTTL)
	case c.WindowSize <= 0 || c.StepSize <= 0:
		return fmt.Errorf("%w: window_size and step_size must be positive", ErrInvalid)
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	return nil
}

// Logger builds a production JSON logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}
