// Package config loads runtime settings from defaults, a config file and
// LITE_* environment variables.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/born-ml/lite/internal/kernel"
	"github.com/born-ml/lite/internal/parallel"
	"github.com/born-ml/lite/internal/pass"
	"github.com/born-ml/lite/internal/pass/pre"
)

// EnvPrefix is the prefix of environment overrides, e.g. LITE_THREADS.
const EnvPrefix = "LITE"

// Setting keys.
const (
	KeyThreads       = "threads"
	KeyTile          = "tile"
	KeyParallel      = "parallel"
	KeyMinChunkSize  = "min_chunk_size"
	KeyArenaSize     = "arena_size"
	KeyMaxIterations = "max_iterations"
	KeyBypass        = pre.FlagBypassEpochCtrlOnCache
	KeyPrePasses     = "pre_passes"
	KeyPasses        = "passes"
	KeyLogLevel      = "log_level"
)

// Config holds every runtime setting.
type Config struct {
	Threads       int      `mapstructure:"threads"`
	Tile          int      `mapstructure:"tile"`
	Parallel      bool     `mapstructure:"parallel"`
	MinChunkSize  int      `mapstructure:"min_chunk_size"`
	ArenaSize     int      `mapstructure:"arena_size"` // bytes of kernel scratch; 0 uses the heap
	MaxIterations int      `mapstructure:"max_iterations"`
	Bypass        bool     `mapstructure:"bypass_epoch_ctrl_on_cache"`
	PrePasses     []string `mapstructure:"pre_passes"`
	Passes        []string `mapstructure:"passes"`
	LogLevel      string   `mapstructure:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	pc := parallel.DefaultConfig()
	return Config{
		Threads:       pc.NumWorkers,
		Tile:          kernel.DefaultTile,
		Parallel:      pc.Enabled,
		MinChunkSize:  pc.MinChunkSize,
		MaxIterations: pass.DefaultMaxIterations,
		Bypass:        pre.DefaultPolicy().BypassEpochCtrlOnCache,
		PrePasses:     []string{pre.InjectionName},
		LogLevel:      logrus.InfoLevel.String(),
	}
}

// New returns a viper instance carrying the defaults and the environment
// binding. Callers may bind command-line flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault(KeyThreads, d.Threads)
	v.SetDefault(KeyTile, d.Tile)
	v.SetDefault(KeyParallel, d.Parallel)
	v.SetDefault(KeyMinChunkSize, d.MinChunkSize)
	v.SetDefault(KeyArenaSize, d.ArenaSize)
	v.SetDefault(KeyMaxIterations, d.MaxIterations)
	v.SetDefault(KeyBypass, d.Bypass)
	v.SetDefault(KeyPrePasses, d.PrePasses)
	v.SetDefault(KeyPasses, d.Passes)
	v.SetDefault(KeyLogLevel, d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, when set, into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config %s", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Threads < 1 {
		return errors.Errorf("config: threads must be at least 1, got %d", c.Threads)
	}
	if c.Tile < 1 {
		return errors.Errorf("config: tile must be at least 1, got %d", c.Tile)
	}
	if c.MinChunkSize < 1 {
		return errors.Errorf("config: min_chunk_size must be at least 1, got %d", c.MinChunkSize)
	}
	if c.ArenaSize < 0 {
		return errors.Errorf("config: arena_size must not be negative, got %d", c.ArenaSize)
	}
	if c.MaxIterations < 1 {
		return errors.Errorf("config: max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "config: log_level")
	}
	return nil
}

// PoolConfig returns the worker pool settings.
func (c Config) PoolConfig() parallel.Config {
	return parallel.Config{
		Enabled:      c.Parallel && c.Threads > 1,
		NumWorkers:   c.Threads,
		MinChunkSize: c.MinChunkSize,
	}
}

// Flags returns the named pass policy flags.
func (c Config) Flags() map[string]bool {
	return map[string]bool{pre.FlagBypassEpochCtrlOnCache: c.Bypass}
}

// Level returns the parsed log level.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
