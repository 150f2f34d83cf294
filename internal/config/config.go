// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/voxelscope/ct-pyramid/internal/logging"
	"github.com/voxelscope/ct-pyramid/internal/metrics"
)

// Config is the full configuration surface of the pyramid engine.
type Config struct {
	SourceDir  string `yaml:"source_dir"`
	OutputRoot string `yaml:"output_root"`
	Format     string `yaml:"format"` // "png" | "tiff"

	MaxLevels    int `yaml:"max_levels"`
	MinDimension int `yaml:"min_dimension"`

	// WorkerThreads is "auto" or a positive integer.
	WorkerThreads string `yaml:"worker_threads"`

	SampleCheckpointSize int  `yaml:"sample_checkpoint_size"`
	UseAccelerator       bool `yaml:"use_accelerator"`
	ForceRegenerate      bool `yaml:"force_regenerate"`
	PreviewVolume        bool `yaml:"preview_volume"`

	Logging logging.Config `yaml:"logging"`
	Metrics metrics.Config `yaml:"metrics"`
}

// Defaults returns the baseline configuration before file and env overrides.
func Defaults() Config {
	return Config{
		Format:               "png",
		MaxLevels:            8,
		MinDimension:         64,
		WorkerThreads:        "auto",
		SampleCheckpointSize: 20,
		UseAccelerator:       true,
		PreviewVolume:        true,
		Logging:              logging.Config{Format: "text", Level: "info"},
		Metrics:              metrics.Config{Enabled: false, Address: ":9090"},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. Callers validate after merging any further
// overrides of their own.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.SourceDir = getenvDefault("CTPYR_SOURCE_DIR", cfg.SourceDir)
	cfg.OutputRoot = getenvDefault("CTPYR_OUTPUT_ROOT", cfg.OutputRoot)
	cfg.Format = getenvDefault("CTPYR_FORMAT", cfg.Format)
	cfg.WorkerThreads = getenvDefault("CTPYR_WORKERS", cfg.WorkerThreads)
	cfg.Metrics.Address = getenvDefault("CTPYR_METRICS_ADDR", cfg.Metrics.Address)
	cfg.Logging.Level = getenvDefault("CTPYR_LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("CTPYR_MAX_LEVELS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.MaxLevels = parsed
		}
	}
	if v := os.Getenv("CTPYR_MIN_DIMENSION"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.MinDimension = parsed
		}
	}
	if v := os.Getenv("CTPYR_FORCE_REGENERATE"); v != "" {
		cfg.ForceRegenerate = v == "true" || v == "1"
	}
	if v := os.Getenv("CTPYR_USE_ACCELERATOR"); v != "" {
		cfg.UseAccelerator = v == "true" || v == "1"
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("source_dir is required")
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("output_root is required")
	}
	if c.MaxLevels < 1 {
		return fmt.Errorf("max_levels must be at least 1, got %d", c.MaxLevels)
	}
	if c.MinDimension < 1 {
		return fmt.Errorf("min_dimension must be at least 1, got %d", c.MinDimension)
	}
	if c.SampleCheckpointSize < 1 {
		return fmt.Errorf("sample_checkpoint_size must be at least 1, got %d", c.SampleCheckpointSize)
	}
	if _, err := c.workerCount(); err != nil {
		return err
	}
	return nil
}

// Workers resolves the worker_threads setting to a concrete count.
func (c Config) Workers() int {
	n, err := c.workerCount()
	if err != nil {
		return runtime.NumCPU()
	}
	return n
}

func (c Config) workerCount() (int, error) {
	if c.WorkerThreads == "" || c.WorkerThreads == "auto" {
		return runtime.NumCPU(), nil
	}
	n, err := strconv.Atoi(c.WorkerThreads)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("worker_threads must be %q or a positive integer, got %q", "auto", c.WorkerThreads)
	}
	return n, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
