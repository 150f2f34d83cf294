// Package progress implements the multi-stage adaptive ETA estimator and the
// event stream consumed by progress displays.
//
// Estimation runs through three states. Sampling measures a first batch of
// completions and produces an initial rate. Refining compares successive rate
// estimates at fixed checkpoints, extrapolating the trend while the system is
// still warming up (thread startup, disk cache fill), and hands over to
// Tracking once two consecutive estimates agree. Tracking keeps a short
// moving average of weighted per-item durations and recomputes the ETA on
// every completion, smoothed so the countdown never jumps upward visibly.
package progress

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"
)

// State identifies the estimator's current stage.
type State int

const (
	StateSampling State = iota
	StateRefining
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateSampling:
		return "sampling"
	case StateRefining:
		return "refining"
	default:
		return "tracking"
	}
}

// Event is one progress update for the display collaborator.
type Event struct {
	Level             int
	Completed         int64
	Total             int64
	CompletedWeighted float64
	TotalWeighted     float64
	EtaSeconds        float64
	RatePerSecond     float64
}

// Config holds the estimator tuning knobs. The smoothing constants are
// deliberately configurable; only the qualitative behavior is contractual.
type Config struct {
	// CheckpointSize is the number of completions per sampling checkpoint.
	CheckpointSize int
	// TrendFactor scales how far a still-moving rate is extrapolated
	// during Refining.
	TrendFactor float64
	// AgreeTolerance is the relative rate change under which two
	// checkpoints are considered to agree.
	AgreeTolerance float64
	// WindowSize is the moving-average window of per-unit durations used
	// in Tracking.
	WindowSize int
	// MaxRiseFactor bounds how much the displayed ETA may grow in a
	// single update.
	MaxRiseFactor float64
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		CheckpointSize: 20,
		TrendFactor:    0.3,
		AgreeTolerance: 0.10,
		WindowSize:     32,
		MaxRiseFactor:  1.15,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckpointSize < 1 {
		c.CheckpointSize = d.CheckpointSize
	}
	if c.TrendFactor <= 0 {
		c.TrendFactor = d.TrendFactor
	}
	if c.AgreeTolerance <= 0 {
		c.AgreeTolerance = d.AgreeTolerance
	}
	if c.WindowSize < 2 {
		c.WindowSize = d.WindowSize
	}
	if c.MaxRiseFactor <= 1 {
		c.MaxRiseFactor = d.MaxRiseFactor
	}
	return c
}

// Estimator consumes completion events and produces ETAs. It is driven from
// the builder's drain loop only; the event channel is the concurrency
// boundary toward consumers.
type Estimator struct {
	cfg Config
	log *slog.Logger

	total         int64
	totalWeighted float64
	completed     int64
	completedW    float64
	startedAt     time.Time

	state      State
	prevRate   float64 // weighted units per second at the previous checkpoint
	agreeRuns  int
	window     []float64 // seconds per weighted unit, most recent last
	etaSeconds float64
	rate       float64

	events chan Event

	now func() time.Time // test hook
}

// NewEstimator creates an estimator for a run of total items summing to
// totalWeighted work units.
func NewEstimator(cfg Config, total int64, totalWeighted float64, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	e := &Estimator{
		cfg:           cfg.withDefaults(),
		log:           log,
		total:         total,
		totalWeighted: totalWeighted,
		state:         StateSampling,
		etaSeconds:    math.NaN(),
		events:        make(chan Event, 64),
		now:           time.Now,
	}
	e.startedAt = e.now()
	return e
}

// Events returns the bounded progress stream. Sends never block: when the
// consumer lags, the oldest pending event is discarded so the stream always
// carries the freshest numbers.
func (e *Estimator) Events() <-chan Event { return e.events }

// Close closes the event stream. Call after the final completion.
func (e *Estimator) Close() { close(e.events) }

// State returns the current estimator stage.
func (e *Estimator) State() State { return e.state }

// Eta returns the current estimate in seconds, or NaN before the first
// checkpoint.
func (e *Estimator) Eta() float64 { return e.etaSeconds }

// Rate returns the current weighted throughput in units per second.
func (e *Estimator) Rate() float64 { return e.rate }

// CompletedWeighted returns the weighted work finished so far.
func (e *Estimator) CompletedWeighted() float64 { return e.completedW }

// ItemDone records one completed work item of the given weight and updates
// the estimate.
func (e *Estimator) ItemDone(level int, weight float64, d time.Duration) {
	e.completed++
	e.completedW += weight
	if e.completedW > e.totalWeighted {
		e.completedW = e.totalWeighted
	}

	if weight > 0 && d > 0 {
		perUnit := d.Seconds() / weight
		e.window = append(e.window, perUnit)
		if len(e.window) > e.cfg.WindowSize {
			e.window = e.window[1:]
		}
	}

	switch e.state {
	case StateSampling, StateRefining:
		if e.completed%int64(e.cfg.CheckpointSize) == 0 {
			e.checkpoint()
		}
	case StateTracking:
		e.track()
	}

	e.emit(level)
}

// checkpoint recomputes the whole-run rate and applies the trend logic.
func (e *Estimator) checkpoint() {
	elapsed := e.now().Sub(e.startedAt).Seconds()
	if elapsed <= 0 {
		// Clock went nowhere (or backwards). Keep the previous estimate.
		return
	}
	rate := e.completedW / elapsed
	if !e.plausible(rate) {
		e.log.Debug("discarding implausible rate sample", "rate", rate)
		return
	}

	switch e.state {
	case StateSampling:
		e.prevRate = rate
		e.setEta(e.remaining() / rate)
		e.rate = rate
		e.state = StateRefining
		e.log.Debug("initial estimate", "rate_per_sec", rate, "eta_seconds", e.etaSeconds)

	case StateRefining:
		change := 0.0
		if e.prevRate > 0 {
			change = (rate - e.prevRate) / e.prevRate
		}
		adjusted := rate
		if math.Abs(change) < e.cfg.AgreeTolerance {
			e.agreeRuns++
			if e.agreeRuns >= 2 {
				e.state = StateTracking
				e.log.Debug("rate stabilized, tracking", "rate_per_sec", rate)
			}
		} else {
			// Still warming up: successive estimates diverge, so trust the
			// direction of travel more than the latest instantaneous rate.
			e.agreeRuns = 0
			adjusted = rate * (1 + change*e.cfg.TrendFactor)
		}
		if adjusted > 0 && e.plausible(adjusted) {
			e.setEta(e.remaining() / adjusted)
			e.rate = adjusted
		}
		e.prevRate = rate
	}
}

// track recomputes the ETA from the moving average of per-unit durations.
func (e *Estimator) track() {
	if len(e.window) == 0 {
		return
	}
	perUnit := stat.Mean(e.window, nil)
	if perUnit <= 0 || math.IsNaN(perUnit) || math.IsInf(perUnit, 0) {
		return
	}
	rate := 1 / perUnit
	if !e.plausible(rate) {
		return
	}
	e.rate = rate
	e.setEta(e.remaining() * perUnit)
}

// plausible rejects negative rates and rates far beyond anything the recent
// window supports, which would otherwise come from clock glitches or
// zero-duration completions.
func (e *Estimator) plausible(rate float64) bool {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return false
	}
	if len(e.window) < 3 {
		return rate < 1e9
	}
	mean := stat.Mean(e.window, nil)
	sigma := stat.StdDev(e.window, nil)
	floor := mean - 10*sigma
	if floor <= 0 {
		return rate < 1e9
	}
	// floor on per-unit seconds is a ceiling on rate.
	return rate <= 1/floor
}

// setEta applies the monotonic-enough smoothing: the displayed countdown may
// always drop, but may only rise a bounded amount per update.
func (e *Estimator) setEta(eta float64) {
	if eta < 0 || math.IsNaN(eta) || math.IsInf(eta, 0) {
		return
	}
	if !math.IsNaN(e.etaSeconds) && eta > e.etaSeconds {
		limit := e.etaSeconds * e.cfg.MaxRiseFactor
		if eta > limit {
			eta = limit
		}
	}
	e.etaSeconds = eta
}

func (e *Estimator) remaining() float64 {
	r := e.totalWeighted - e.completedW
	if r < 0 {
		return 0
	}
	return r
}

func (e *Estimator) emit(level int) {
	eta := e.etaSeconds
	if math.IsNaN(eta) {
		eta = -1 // not yet known
	}
	ev := Event{
		Level:             level,
		Completed:         e.completed,
		Total:             e.total,
		CompletedWeighted: e.completedW,
		TotalWeighted:     e.totalWeighted,
		EtaSeconds:        eta,
		RatePerSecond:     e.rate,
	}
	select {
	case e.events <- ev:
	default:
		// Consumer is slow: drop the oldest pending event and retry once.
		select {
		case <-e.events:
		default:
		}
		select {
		case e.events <- ev:
		default:
		}
	}
}

// FormatDuration renders a duration the way operators read countdowns:
// "45s", "5m 30s", "2h 15m".
func FormatDuration(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return "unknown"
	}
	d := time.Duration(seconds * float64(time.Second))
	switch {
	case d < time.Minute:
		return d.Truncate(time.Second).String()
	case d < time.Hour:
		m := int(d.Minutes())
		s := int(d.Seconds()) - m*60
		if s == 0 {
			return strconv.Itoa(m) + "m"
		}
		return strconv.Itoa(m) + "m " + strconv.Itoa(s) + "s"
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		if m == 0 {
			return strconv.Itoa(h) + "h"
		}
		return strconv.Itoa(h) + "h " + strconv.Itoa(m) + "m"
	}
}
