package pyramid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxelscope/ct-pyramid/internal/codec"
	"github.com/voxelscope/ct-pyramid/internal/fsguard"
	"github.com/voxelscope/ct-pyramid/internal/imagestack"
	"github.com/voxelscope/ct-pyramid/internal/logging"
	"github.com/voxelscope/ct-pyramid/internal/metrics"
	"github.com/voxelscope/ct-pyramid/internal/progress"
)

// pyramidDirName is the directory created under the output root to hold all
// generated levels.
const pyramidDirName = ".pyramid"

// ErrCancelled is returned by Run when the build was stopped on request
// rather than by a failure.
var ErrCancelled = errors.New("pyramid build cancelled")

// ItemFailure records one work item that failed during a level.
type ItemFailure struct {
	Level       int
	OutputIndex int
	Err         error
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("level %d slice %06d: %v", f.Level, f.OutputIndex, f.Err)
}

// BuildError aggregates every item failure of a run.
type BuildError struct {
	Failures []ItemFailure
}

func (e *BuildError) Error() string {
	if len(e.Failures) == 1 {
		return e.Failures[0].Error()
	}
	return fmt.Sprintf("%d work items failed, first: %v", len(e.Failures), e.Failures[0])
}

// Options configures a Builder.
type Options struct {
	SourceDir  string
	OutputRoot string
	Format     codec.Format
	MaxLevels  int
	// MinDimension stops generation once a level's larger in-plane
	// dimension would not exceed it.
	MinDimension int
	Workers      int
	// ForceRegenerate discards any existing pyramid before building.
	ForceRegenerate bool
	// Accelerator is the optional fast reduction path; nil means the
	// interpreted path is used throughout.
	Accelerator BatchProcessor
	// EstimatorConfig tunes the progress estimator; zero value uses the
	// defaults.
	EstimatorConfig progress.Config
	Version         string
}

// Result summarizes a finished run.
type Result struct {
	RunID         string
	LevelsBuilt   int
	LevelsSkipped int
	SlicesWritten int64
	Elapsed       time.Duration
	PyramidDir    string
	Plan          Plan
	Stack         *imagestack.Stack
}

// Builder generates the full pyramid for one stack. Create with New, run
// once with Run.
type Builder struct {
	opts  Options
	guard *fsguard.Guard
	log   *slog.Logger
	met   *metrics.Metrics
	runID string

	est    *progress.Estimator
	events chan progress.Event
	pool   atomic.Pointer[Pool]

	cancelRun  chan struct{}
	cancelOnce sync.Once
	// finalizers run after all levels are complete, before Run returns.
	finalizers []func(ctx context.Context, res *Result) error
}

// New validates the output root and prepares a builder. The source
// directory is only read; every write goes through the sandbox guard rooted
// at OutputRoot.
func New(opts Options) (*Builder, error) {
	if opts.MaxLevels < 1 {
		return nil, fmt.Errorf("max levels must be at least 1, got %d", opts.MaxLevels)
	}
	if opts.MinDimension < 1 {
		return nil, fmt.Errorf("minimum dimension must be at least 1, got %d", opts.MinDimension)
	}
	guard, err := fsguard.New(opts.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("establishing output sandbox: %w", err)
	}
	return &Builder{
		opts:      opts,
		guard:     guard,
		log:       logging.Component("builder"),
		met:       metrics.Get(),
		runID:     logging.NewRunID(),
		events:    make(chan progress.Event, 64),
		cancelRun: make(chan struct{}),
	}, nil
}

// Cancel requests a cooperative stop from outside. Safe to call at any time
// and from any goroutine; completed levels are kept. The pool's stop flag
// is set before Cancel returns, so workers pick up no further items even
// with completions already buffered.
func (b *Builder) Cancel() {
	b.cancelOnce.Do(func() { close(b.cancelRun) })
	if p := b.pool.Load(); p != nil {
		p.Cancel()
	}
}

// Events exposes the progress stream. Consumers may start ranging before
// Run; the channel is closed when the run ends.
func (b *Builder) Events() <-chan progress.Event {
	return b.events
}

// AddFinalizer registers a hook that runs after all levels are complete.
// Finalizer errors are logged, not propagated: the pyramid itself is done.
func (b *Builder) AddFinalizer(f func(ctx context.Context, res *Result) error) {
	b.finalizers = append(b.finalizers, f)
}

// Run executes the whole build: scan, plan, generate level by level,
// finalize. It returns ErrCancelled when the context is cancelled;
// partially generated levels are removed so the tree on disk only ever
// holds complete levels.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	log := b.log.With("run_id", b.runID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.cancelRun:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer func() {
		// Runs that fail before planning never start the estimator; the
		// event stream still has to terminate for consumers.
		if b.est == nil {
			close(b.events)
		}
	}()

	srcGuard, err := fsguard.New(b.opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("establishing source sandbox: %w", err)
	}
	stack, err := imagestack.Scan(b.opts.SourceDir, srcGuard)
	if err != nil {
		return nil, fmt.Errorf("scanning source stack: %w", err)
	}
	log.Info("source stack detected",
		"dir", stack.Dir,
		"slices", len(stack.Slices),
		"width", stack.Width,
		"height", stack.Height,
		"bit_depth", stack.Depth.String(),
	)

	plan, err := NewPlan(stack.Width, stack.Height, len(stack.Slices), b.opts.MaxLevels, b.opts.MinDimension)
	if err != nil {
		return nil, fmt.Errorf("planning pyramid: %w", err)
	}

	pyrDir, err := b.guard.Join(pyramidDirName)
	if err != nil {
		return nil, err
	}
	if b.opts.ForceRegenerate {
		if err := os.RemoveAll(pyrDir); err != nil {
			return nil, fmt.Errorf("clearing existing pyramid: %w", err)
		}
	}
	if err := os.MkdirAll(pyrDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating pyramid directory: %w", err)
	}

	// Resume scan: count the levels that are already complete so the
	// estimator only budgets real work.
	var skip []bool
	pending := plan
	pending.TotalItems, pending.TotalWeighted = 0, 0
	for _, lvl := range plan.Levels {
		dir, err := b.levelDir(lvl.Index)
		if err != nil {
			return nil, err
		}
		done := levelComplete(dir, lvl, b.opts.Format, stack.Depth)
		skip = append(skip, done)
		if !done {
			pending.TotalItems += int64(lvl.SliceCount)
			pending.TotalWeighted += float64(lvl.SliceCount) * lvl.ItemWeight
		}
	}

	b.est = progress.NewEstimator(b.opts.EstimatorConfig, pending.TotalItems, pending.TotalWeighted, log)
	defer b.est.Close()
	go func() {
		for ev := range b.est.Events() {
			b.events <- ev
		}
		close(b.events)
	}()

	pool := NewPool(b.opts.Workers, b.opts.Format, b.opts.Accelerator, b.met)
	b.pool.Store(pool)
	// A Cancel that raced the pool's creation must still reach its flag.
	select {
	case <-b.cancelRun:
		pool.Cancel()
	default:
	}
	pool.Start(ctx)
	defer pool.Close()

	res := &Result{
		RunID:      b.runID,
		PyramidDir: pyrDir,
		Plan:       plan,
		Stack:      stack,
	}
	var failures []ItemFailure

	for i, lvl := range plan.Levels {
		select {
		case <-b.cancelRun:
			res.Elapsed = time.Since(start)
			return res, ErrCancelled
		default:
		}
		if ctx.Err() != nil {
			res.Elapsed = time.Since(start)
			return res, ErrCancelled
		}

		dir, err := b.levelDir(lvl.Index)
		if err != nil {
			return nil, err
		}
		if skip[i] {
			log.Info("level already complete, skipping",
				"level", lvl.Index,
				"slices", lvl.SliceCount,
			)
			if b.met != nil {
				b.met.IncLevelsSkipped(string(b.opts.Format))
			}
			res.LevelsSkipped++
			continue
		}

		written, err := b.buildLevel(ctx, pool, lvl, prevLevel(plan, i), stack, dir, &failures)
		res.SlicesWritten += written
		if err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		if len(failures) > 0 {
			// A level with failed slices is incomplete, and every
			// deeper level depends on it. Stop here.
			res.Elapsed = time.Since(start)
			return res, &BuildError{Failures: failures}
		}
		res.LevelsBuilt++
	}

	for _, fin := range b.finalizers {
		if err := fin(ctx, res); err != nil {
			log.Warn("finalizer failed", "error", err)
		}
	}

	res.Elapsed = time.Since(start)
	log.Info("pyramid complete",
		"levels_built", res.LevelsBuilt,
		"levels_skipped", res.LevelsSkipped,
		"slices_written", res.SlicesWritten,
		"elapsed", res.Elapsed.Round(time.Millisecond).String(),
	)
	return res, nil
}

// buildLevel generates one level end to end: directory, items, submit,
// drain, manifest. On cancellation the partial level directory is removed.
func (b *Builder) buildLevel(ctx context.Context, pool *Pool, lvl Level, prev *Level, stack *imagestack.Stack, dir string, failures *[]ItemFailure) (int64, error) {
	log := logging.LevelLogger(b.runID, lvl.Index, lvl.Width, lvl.Height, lvl.SliceCount)
	log.Info("generating level")
	levelStart := time.Now()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating level directory: %w", err)
	}

	var prevDir string
	if prev != nil {
		var err error
		if prevDir, err = b.levelDir(prev.Index); err != nil {
			return 0, err
		}
	}
	items := levelItems(lvl, prev, stack, prevDir, dir, b.opts.Format)
	for _, it := range items {
		if _, err := b.guard.Validate(it.Output); err != nil {
			if b.met != nil {
				b.met.IncSecurityErrors()
			}
			return 0, err
		}
	}

	if err := pool.SubmitLevel(ctx, items); err != nil {
		b.discardLevel(dir, log)
		return 0, ErrCancelled
	}

	var written int64
	err := pool.Drain(ctx, func(c Completion) {
		if c.Err != nil {
			*failures = append(*failures, ItemFailure{
				Level:       c.Item.Level,
				OutputIndex: c.Item.OutputIndex,
				Err:         c.Err,
			})
			log.Error("work item failed",
				"slice", c.Item.OutputIndex,
				"error", c.Err,
			)
			return
		}
		written++
		b.est.ItemDone(c.Item.Level, c.Item.Weight, c.Duration)
		if b.met != nil {
			b.met.SetProgress(b.est.Eta(), b.est.CompletedWeighted(), b.est.Rate())
		}
	})
	if err != nil {
		b.discardLevel(dir, log)
		return written, ErrCancelled
	}
	if len(*failures) > 0 {
		return written, nil
	}

	m := Manifest{
		Level:      lvl.Index,
		Width:      lvl.Width,
		Height:     lvl.Height,
		SliceCount: lvl.SliceCount,
		Format:     string(b.opts.Format),
		Depth:      stack.Depth,
		Complete:   true,
		CreatedAt:  time.Now().UTC(),
		Producer: Producer{
			Name:    "ct-pyramid",
			Version: b.opts.Version,
			RunID:   b.runID,
		},
	}
	if err := WriteManifest(dir, m); err != nil {
		return written, err
	}
	if b.met != nil {
		b.met.IncLevelsCompleted(string(b.opts.Format))
		b.met.ObserveLevelDuration(strconv.Itoa(lvl.Index), time.Since(levelStart).Seconds())
	}
	log.Info("level complete", "elapsed", time.Since(levelStart).Round(time.Millisecond).String())
	return written, nil
}

// discardLevel removes a partially generated level so a later run starts it
// from scratch instead of trusting half-written output.
func (b *Builder) discardLevel(dir string, log *slog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("could not remove partial level directory", "dir", dir, "error", err)
	} else {
		log.Info("removed partial level directory", "dir", dir)
	}
}

func (b *Builder) levelDir(level int) (string, error) {
	return b.guard.Join(pyramidDirName, "level_"+strconv.Itoa(level))
}

func prevLevel(p Plan, i int) *Level {
	if i == 0 {
		return nil
	}
	return &p.Levels[i-1]
}
