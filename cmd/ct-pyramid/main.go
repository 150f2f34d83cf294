package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxelscope/ct-pyramid/internal/accel"
	"github.com/voxelscope/ct-pyramid/internal/codec"
	"github.com/voxelscope/ct-pyramid/internal/config"
	"github.com/voxelscope/ct-pyramid/internal/logging"
	"github.com/voxelscope/ct-pyramid/internal/metrics"
	"github.com/voxelscope/ct-pyramid/internal/progress"
	"github.com/voxelscope/ct-pyramid/internal/pyramid"
)

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		sourceDir  = flag.String("source", "", "source slice directory (overrides config)")
		outputRoot = flag.String("output", "", "output root directory (overrides config)")
		force      = flag.Bool("force", false, "discard any existing pyramid and regenerate")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ct-pyramid: %v\n", err)
		return 1
	}
	if *sourceDir != "" {
		cfg.SourceDir = *sourceDir
	}
	if *outputRoot != "" {
		cfg.OutputRoot = *outputRoot
	}
	if *force {
		cfg.ForceRegenerate = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ct-pyramid: %v\n", err)
		return 1
	}

	logging.Setup(cfg.Logging)
	log := logging.Component("main")
	log.Info("ct-pyramid starting", "version", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, cancelling", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	format, err := codec.ParseFormat(cfg.Format)
	if err != nil {
		log.Error("invalid format", "error", err)
		return 1
	}

	// A failed probe is not fatal: the interpreted path produces identical
	// output.
	eng, err := accel.Probe(cfg.UseAccelerator)
	if err != nil && !errors.Is(err, accel.ErrUnavailable) {
		log.Error("accelerator probe failed", "error", err)
		return 1
	}
	var proc pyramid.BatchProcessor
	if eng != nil {
		proc = eng
	}

	builder, err := pyramid.New(pyramid.Options{
		SourceDir:       cfg.SourceDir,
		OutputRoot:      cfg.OutputRoot,
		Format:          format,
		MaxLevels:       cfg.MaxLevels,
		MinDimension:    cfg.MinDimension,
		Workers:         cfg.Workers(),
		ForceRegenerate: cfg.ForceRegenerate,
		Accelerator:     proc,
		EstimatorConfig: progress.Config{CheckpointSize: cfg.SampleCheckpointSize},
		Version:         Version,
	})
	if err != nil {
		log.Error("initializing builder", "error", err)
		return 1
	}
	if cfg.PreviewVolume {
		builder.AddFinalizer(pyramid.PreviewFinalizer())
	}

	go reportProgress(builder, log)

	res, err := builder.Run(ctx)
	switch {
	case errors.Is(err, pyramid.ErrCancelled):
		log.Info("build cancelled, completed levels kept")
		return 130
	case err != nil:
		log.Error("build failed", "error", err)
		return 1
	}

	log.Info("pyramid ready",
		"dir", res.PyramidDir,
		"levels_built", res.LevelsBuilt,
		"levels_skipped", res.LevelsSkipped,
		"slices_written", res.SlicesWritten,
		"elapsed", res.Elapsed.String(),
	)
	return 0
}

// reportProgress mirrors estimator events to the log at a human pace.
func reportProgress(b *pyramid.Builder, log *slog.Logger) {
	lastPct := -1
	for ev := range b.Events() {
		pct := 0
		if ev.TotalWeighted > 0 {
			pct = int(100 * ev.CompletedWeighted / ev.TotalWeighted)
		}
		// One line per whole percent keeps long runs readable.
		if pct == lastPct {
			continue
		}
		lastPct = pct
		log.Info("progress",
			"level", ev.Level,
			"done", fmt.Sprintf("%d/%d", ev.Completed, ev.Total),
			"percent", pct,
			"eta", progress.FormatDuration(ev.EtaSeconds),
		)
	}
}
