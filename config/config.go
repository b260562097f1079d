// Package config provides configuration file support for qmltrace.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"honnef.co/go/qmltrace/trace"
	"honnef.co/go/qmltrace/trace/codec"
	"honnef.co/go/qmltrace/trace/store"
)

// Config represents the qmltrace configuration.
type Config struct {
	// TempDir is where event stores are created. Empty means the system's temporary directory.
	TempDir        string         `yaml:"temp_dir"`
	FlushThreshold int            `yaml:"flush_threshold"`
	BatchSize      int            `yaml:"batch_size"`
	Compression    string         `yaml:"compression"`
	Parallelism    int            `yaml:"parallelism"`
	Logging        LoggingConfig  `yaml:"logging"`
	Features       FeaturesConfig `yaml:"features"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

type FeaturesConfig struct {
	// Visible lists the features whose models are shown. Empty means all of them.
	Visible []string `yaml:"visible"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		FlushThreshold: store.DefaultFlushThreshold,
		BatchSize:      1 << 20,
		Compression:    codec.CompressionDeflate.String(),
		Parallelism:    runtime.GOMAXPROCS(0),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from path.
// Returns default config if file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes configuration to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func (cfg *Config) Validate() error {
	if cfg.FlushThreshold < 0 {
		return fmt.Errorf("flush_threshold must not be negative, got %d", cfg.FlushThreshold)
	}
	if cfg.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative, got %d", cfg.BatchSize)
	}
	if cfg.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", cfg.Parallelism)
	}
	if _, err := cfg.CompressionMethod(); err != nil {
		return err
	}
	if _, err := cfg.VisibleFeatures(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}
	return nil
}

func (cfg *Config) CompressionMethod() (codec.Compression, error) {
	if cfg.Compression == "" {
		return codec.CompressionDeflate, nil
	}
	return codec.ParseCompression(cfg.Compression)
}

// VisibleFeatures returns the features listed in features.visible, or trace.FeatureAll if the list is empty.
func (cfg *Config) VisibleFeatures() (trace.Feature, error) {
	if len(cfg.Features.Visible) == 0 {
		return trace.FeatureAll, nil
	}
	var mask trace.Feature
	for _, name := range cfg.Features.Visible {
		f, ok := trace.ParseFeature(name)
		if !ok {
			return 0, fmt.Errorf("unknown feature %q", name)
		}
		mask |= f
	}
	return mask, nil
}

// Logger builds a logger writing to standard error.
func (cfg *Config) Logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = cfg.Logging.Format
	zcfg.Sampling = nil
	if cfg.Logging.Format == "console" {
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zcfg.Build()
}

// StoreOptions returns the options for creating event stores.
func (cfg *Config) StoreOptions(log *zap.Logger) store.Options {
	return store.Options{
		Dir:            cfg.TempDir,
		FlushThreshold: cfg.FlushThreshold,
		Logger:         log,
	}
}

// CodecOptions returns the options for loading and saving trace files. Invalid compression settings fall back to
// the default; Validate reports them.
func (cfg *Config) CodecOptions(log *zap.Logger) codec.Options {
	c, _ := cfg.CompressionMethod()
	return codec.Options{
		Compression: c,
		BatchSize:   cfg.BatchSize,
		Parallelism: cfg.Parallelism,
		Logger:      log,
	}
}
