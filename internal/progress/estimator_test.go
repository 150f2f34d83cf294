package progress

import (
	"math"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEstimator(t *testing.T, cfg Config, total int64, totalWeighted float64) (*Estimator, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	e := NewEstimator(cfg, total, totalWeighted, nil)
	e.now = clk.now
	e.startedAt = clk.t
	return e, clk
}

func drain(e *Estimator) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEstimatorStateProgression(t *testing.T) {
	cfg := Config{CheckpointSize: 5, WindowSize: 8}
	e, clk := newTestEstimator(t, cfg, 100, 100)

	if e.State() != StateSampling {
		t.Fatalf("initial state = %v, want sampling", e.State())
	}
	if !math.IsNaN(e.Eta()) {
		t.Fatalf("eta before first checkpoint = %v, want NaN", e.Eta())
	}

	// First checkpoint: steady 1 item/sec.
	for i := 0; i < 5; i++ {
		clk.advance(time.Second)
		e.ItemDone(1, 1, time.Second)
	}
	if e.State() != StateRefining {
		t.Fatalf("after first checkpoint state = %v, want refining", e.State())
	}
	if got := e.Eta(); math.Abs(got-95) > 1 {
		t.Fatalf("initial eta = %v, want ~95", got)
	}

	// Two more agreeing checkpoints at the same rate hand over to tracking.
	for i := 0; i < 10; i++ {
		clk.advance(time.Second)
		e.ItemDone(1, 1, time.Second)
	}
	if e.State() != StateTracking {
		t.Fatalf("after agreeing checkpoints state = %v, want tracking", e.State())
	}
}

func TestEstimatorRefiningExtrapolatesWarmup(t *testing.T) {
	cfg := Config{CheckpointSize: 4, TrendFactor: 0.3, AgreeTolerance: 0.10, WindowSize: 64}
	e, clk := newTestEstimator(t, cfg, 1000, 1000)

	// Slow first checkpoint: 0.5 items/sec.
	for i := 0; i < 4; i++ {
		clk.advance(2 * time.Second)
		e.ItemDone(1, 1, 2*time.Second)
	}
	firstEta := e.Eta()

	// Fast second checkpoint: cumulative rate rises well past the
	// tolerance, so the estimator extrapolates the improvement instead of
	// taking the cumulative rate at face value.
	for i := 0; i < 4; i++ {
		clk.advance(250 * time.Millisecond)
		e.ItemDone(1, 1, 250*time.Millisecond)
	}
	if e.State() != StateTracking && e.State() != StateRefining {
		t.Fatalf("unexpected state %v", e.State())
	}
	if e.State() == StateTracking {
		t.Fatalf("diverging checkpoints must not stabilize")
	}
	if e.agreeRuns != 0 {
		t.Fatalf("agreement streak = %d, want 0 after divergence", e.agreeRuns)
	}
	if e.Eta() >= firstEta {
		t.Fatalf("eta did not drop after speedup: first %v now %v", firstEta, e.Eta())
	}
	cumulative := e.completedW / clk.t.Sub(e.startedAt).Seconds()
	if e.Rate() <= cumulative {
		t.Fatalf("extrapolated rate %v not above cumulative rate %v", e.Rate(), cumulative)
	}
}

func TestEstimatorTrackingUsesWindowAverage(t *testing.T) {
	cfg := Config{CheckpointSize: 2, WindowSize: 4}
	e, clk := newTestEstimator(t, cfg, 100, 100)

	// Drive straight into tracking with a steady rate.
	for i := 0; i < 6; i++ {
		clk.advance(time.Second)
		e.ItemDone(1, 1, time.Second)
	}
	if e.State() != StateTracking {
		t.Fatalf("state = %v, want tracking", e.State())
	}

	// Fill the window with 0.5s items; the ETA should converge toward
	// remaining * 0.5 rather than the historical 1s pace.
	for i := 0; i < 8; i++ {
		clk.advance(500 * time.Millisecond)
		e.ItemDone(1, 1, 500*time.Millisecond)
	}
	remaining := float64(100 - 14)
	want := remaining * 0.5
	if math.Abs(e.Eta()-want) > want*0.05 {
		t.Fatalf("tracking eta = %v, want ~%v", e.Eta(), want)
	}
}

func TestEstimatorEtaRiseIsBounded(t *testing.T) {
	cfg := Config{CheckpointSize: 2, WindowSize: 4, MaxRiseFactor: 1.15}
	e, clk := newTestEstimator(t, cfg, 10000, 10000)

	for i := 0; i < 6; i++ {
		clk.advance(time.Second)
		e.ItemDone(1, 1, time.Second)
	}
	before := e.Eta()

	// A sudden 10x slowdown may only nudge the countdown up per update.
	clk.advance(10 * time.Second)
	e.ItemDone(1, 1, 10*time.Second)
	if e.Eta() > before*cfg.MaxRiseFactor+1e-9 {
		t.Fatalf("eta jumped from %v to %v, rise bound %v", before, e.Eta(), cfg.MaxRiseFactor)
	}
}

func TestEstimatorDiscardsImplausibleSamples(t *testing.T) {
	cfg := Config{CheckpointSize: 2, WindowSize: 8}
	e, clk := newTestEstimator(t, cfg, 100, 100)

	for i := 0; i < 6; i++ {
		clk.advance(time.Second)
		e.ItemDone(1, 1, time.Second)
	}
	before := e.Eta()
	samples := len(e.window)

	// Zero-duration completion: it counts toward progress but must not
	// enter the duration window or collapse the pace estimate.
	e.ItemDone(1, 1, 0)
	if len(e.window) != samples {
		t.Fatalf("window grew on zero-duration sample: %d -> %d", samples, len(e.window))
	}
	if e.Eta() < before-1-1e-9 || e.Eta() > before {
		t.Fatalf("eta moved unexpectedly on zero-duration sample: %v -> %v", before, e.Eta())
	}
	if e.Rate() != 1 {
		t.Fatalf("rate = %v, want 1 (unchanged)", e.Rate())
	}
}

func TestEstimatorWeightedProgress(t *testing.T) {
	cfg := Config{CheckpointSize: 3, WindowSize: 8}
	// Two-level pyramid: 4 heavy items of weight 1 and 2 light of 0.25.
	e, clk := newTestEstimator(t, cfg, 6, 4.5)

	for i := 0; i < 4; i++ {
		clk.advance(time.Second)
		e.ItemDone(1, 1, time.Second)
	}
	for i := 0; i < 2; i++ {
		clk.advance(250 * time.Millisecond)
		e.ItemDone(2, 0.25, 250*time.Millisecond)
	}
	if e.completedW != 4.5 {
		t.Fatalf("completed weight = %v, want 4.5", e.completedW)
	}
	evs := drain(e)
	if len(evs) == 0 {
		t.Fatal("no events emitted")
	}
	last := evs[len(evs)-1]
	if last.CompletedWeighted != 4.5 || last.TotalWeighted != 4.5 {
		t.Fatalf("final event weights = %v/%v, want 4.5/4.5", last.CompletedWeighted, last.TotalWeighted)
	}
	if last.Completed != 6 {
		t.Fatalf("final event completed = %d, want 6", last.Completed)
	}
}

func TestEstimatorEventsNeverBlock(t *testing.T) {
	cfg := Config{CheckpointSize: 2, WindowSize: 4}
	e, clk := newTestEstimator(t, cfg, 10000, 10000)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody reads the channel; far more completions than the buffer.
		for i := 0; i < 1000; i++ {
			clk.advance(time.Millisecond)
			e.ItemDone(1, 1, time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ItemDone blocked on a full event channel")
	}

	// The stream still carries the freshest completion count.
	evs := drain(e)
	if len(evs) == 0 {
		t.Fatal("no events buffered")
	}
	if last := evs[len(evs)-1]; last.Completed != 1000 {
		t.Fatalf("freshest event completed = %d, want 1000", last.Completed)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{45, "45s"},
		{330, "5m 30s"},
		{8100, "2h 15m"},
		{-1, "unknown"},
		{math.NaN(), "unknown"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.seconds); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}
