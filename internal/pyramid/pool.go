package pyramid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxelscope/ct-pyramid/internal/codec"
	"github.com/voxelscope/ct-pyramid/internal/grid"
	"github.com/voxelscope/ct-pyramid/internal/logging"
	"github.com/voxelscope/ct-pyramid/internal/metrics"
)

// Completion reports the outcome of one work item back to the drain loop.
type Completion struct {
	Item     WorkItem
	Duration time.Duration
	Err      error
}

// Pool runs a fixed set of workers over a FIFO item queue. Levels are
// strictly sequential: the builder submits one level, drains it to the
// barrier, then submits the next.
type Pool struct {
	workers int
	format  codec.Format
	proc    BatchProcessor // nil means interpreted path only
	log     *slog.Logger
	met     *metrics.Metrics

	queue     chan WorkItem
	results   chan Completion
	cancelled atomic.Bool
	fellBack  atomic.Bool
	wg        sync.WaitGroup
	submitted int
}

// NewPool creates a pool of n workers. proc may be nil when no accelerator
// is available; the pool then always takes the interpreted path.
func NewPool(n int, format codec.Format, proc BatchProcessor, met *metrics.Metrics) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{
		workers: n,
		format:  format,
		proc:    proc,
		log:     logging.Component("pool"),
		met:     met,
		queue:   make(chan WorkItem, 2*n),
	}
}

// Start launches the workers. They run until the queue is closed or the
// pool is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Debug("workers started", "count", p.workers)
	if p.met != nil {
		p.met.SetActiveWorkers(p.workers)
	}
}

// SubmitLevel queues every item of one level in order and returns once all
// are accepted. Results from the previous level must be fully drained first.
func (p *Pool) SubmitLevel(ctx context.Context, items []WorkItem) error {
	// The results buffer holds the whole level so workers never block on
	// delivery, which would deadlock a full queue against this send loop.
	p.results = make(chan Completion, len(items))
	p.submitted = len(items)
	for _, it := range items {
		select {
		case p.queue <- it:
			if p.met != nil {
				p.met.SetQueueDepth(len(p.queue))
			}
		case <-ctx.Done():
			p.submitted = 0
			return ctx.Err()
		}
	}
	return nil
}

// Drain collects one completion per submitted item, invoking onDone for
// each. It returns early when the context is cancelled or Cancel was
// called; remaining queued items are then abandoned by the workers.
// Cancellation is checked before every receive, so a stop request wins even
// when completions are already buffered.
func (p *Pool) Drain(ctx context.Context, onDone func(Completion)) error {
	for i := 0; i < p.submitted; i++ {
		if p.cancelled.Load() {
			return context.Canceled
		}
		if err := ctx.Err(); err != nil {
			p.Cancel()
			return err
		}
		select {
		case c := <-p.results:
			if onDone != nil {
				onDone(c)
			}
		case <-ctx.Done():
			p.Cancel()
			return ctx.Err()
		}
		if p.cancelled.Load() {
			return context.Canceled
		}
	}
	return nil
}

// Cancel requests a cooperative stop. Workers finish the item in hand and
// exit; nothing new is picked up.
func (p *Pool) Cancel() { p.cancelled.Store(true) }

// Cancelled reports whether a stop was requested.
func (p *Pool) Cancelled() bool { return p.cancelled.Load() }

// Close shuts the queue and waits for the workers to exit.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
	if p.met != nil {
		p.met.SetActiveWorkers(0)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := logging.WorkerLogger(id)
	for it := range p.queue {
		if p.cancelled.Load() || ctx.Err() != nil {
			// Drop the item without reporting; the drain loop has
			// already gone down the cancellation path.
			continue
		}
		start := time.Now()
		err := p.process(ctx, it, log)
		d := time.Since(start)
		p.observe(it, d, err)
		p.results <- Completion{Item: it, Duration: d, Err: err}
	}
}

// process runs one item through the accelerator when present, falling back
// to the interpreted path on any accelerator failure. Both paths produce
// byte-identical output, so the fallback is invisible apart from speed.
func (p *Pool) process(ctx context.Context, it WorkItem, log *slog.Logger) error {
	if p.proc != nil {
		report, err := p.proc.ProcessBatch(ctx, []WorkItem{it}, p.format)
		if err == nil && report.Processed == 1 {
			return nil
		}
		if err != nil && p.fellBack.CompareAndSwap(false, true) {
			log.Info("accelerated path failed, continuing with interpreted reduction",
				"error", err)
		}
		if p.met != nil {
			p.met.IncAccelFallbacks()
		}
	}
	return reduceSlice(it, p.format)
}

// reduceSlice is the interpreted reduction: decode the input pair, average
// across depth, box-downsample in plane, encode atomically.
func reduceSlice(it WorkItem, format codec.Format) error {
	a, err := codec.Decode(it.InputA)
	if err != nil {
		return err
	}
	var b *grid.Grid
	if it.InputB != "" {
		if b, err = codec.Decode(it.InputB); err != nil {
			return err
		}
	}
	out, err := grid.Reduce(a, b)
	if err != nil {
		return fmt.Errorf("reducing level %d slice %d: %w", it.Level, it.OutputIndex, err)
	}
	return codec.Encode(out, format, it.Output)
}

func (p *Pool) observe(it WorkItem, d time.Duration, err error) {
	if p.met == nil {
		return
	}
	level := strconv.Itoa(it.Level)
	if err != nil {
		p.met.IncSlicesFailed(level)
		var de *codec.DecodeError
		var ee *codec.EncodeError
		if errors.As(err, &de) {
			p.met.IncDecodeErrors(level)
		} else if errors.As(err, &ee) {
			p.met.IncEncodeErrors(level)
		}
		return
	}
	p.met.IncSlicesProcessed(level)
	p.met.ObserveSliceDuration(level, d.Seconds())
	p.met.SetQueueDepth(len(p.queue))
}
