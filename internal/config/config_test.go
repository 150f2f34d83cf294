package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
source_dir: /data/scan01
output_root: /data/scan01
format: tiff
max_levels: 5
worker_threads: "4"
logging:
  level: debug
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Format != "tiff" {
		t.Errorf("format = %q, want tiff", cfg.Format)
	}
	if cfg.MaxLevels != 5 {
		t.Errorf("max_levels = %d, want 5", cfg.MaxLevels)
	}
	if got := cfg.Workers(); got != 4 {
		t.Errorf("Workers() = %d, want 4", got)
	}
	// Defaults survive a partial file.
	if cfg.MinDimension != 64 {
		t.Errorf("min_dimension = %d, want default 64", cfg.MinDimension)
	}
	if cfg.SampleCheckpointSize != 20 {
		t.Errorf("sample_checkpoint_size = %d, want default 20", cfg.SampleCheckpointSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CTPYR_SOURCE_DIR", "/env/src")
	t.Setenv("CTPYR_OUTPUT_ROOT", "/env/out")
	t.Setenv("CTPYR_MAX_LEVELS", "3")
	t.Setenv("CTPYR_FORCE_REGENERATE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SourceDir != "/env/src" || cfg.OutputRoot != "/env/out" {
		t.Errorf("env paths not applied: %q, %q", cfg.SourceDir, cfg.OutputRoot)
	}
	if cfg.MaxLevels != 3 {
		t.Errorf("max_levels = %d, want 3", cfg.MaxLevels)
	}
	if !cfg.ForceRegenerate {
		t.Error("force_regenerate not applied from env")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Defaults()
	base.SourceDir = "/src"
	base.OutputRoot = "/out"

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing source", func(c *Config) { c.SourceDir = "" }},
		{"missing output", func(c *Config) { c.OutputRoot = "" }},
		{"zero levels", func(c *Config) { c.MaxLevels = 0 }},
		{"zero min dimension", func(c *Config) { c.MinDimension = 0 }},
		{"bad workers", func(c *Config) { c.WorkerThreads = "many" }},
		{"negative workers", func(c *Config) { c.WorkerThreads = "-2" }},
		{"zero checkpoint", func(c *Config) { c.SampleCheckpointSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid configuration")
			}
		})
	}
}

func TestWorkersAuto(t *testing.T) {
	cfg := Defaults()
	if got := cfg.Workers(); got < 1 {
		t.Errorf("Workers() = %d with auto, want >= 1", got)
	}
}
