package accel

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/voxelscope/ct-pyramid/internal/codec"
	"github.com/voxelscope/ct-pyramid/internal/grid"
	"github.com/voxelscope/ct-pyramid/internal/pyramid"
)

func writeRandomSlice(t *testing.T, path string, w, h int, depth grid.Depth, format codec.Format, rng *rand.Rand) {
	t.Helper()
	g := grid.New(w, h, depth)
	for i := range g.Pix {
		g.Pix[i] = uint16(rng.Intn(int(depth.Max()) + 1))
	}
	if err := codec.Encode(g, format, path); err != nil {
		t.Fatalf("writing slice %s: %v", path, err)
	}
}

func TestProbeDisabled(t *testing.T) {
	e, err := Probe(false)
	if err != nil {
		t.Fatalf("Probe(false) error: %v", err)
	}
	if e != nil {
		t.Fatal("Probe(false) returned an engine")
	}
}

func TestProbeEnabled(t *testing.T) {
	e, err := Probe(true)
	if err != nil {
		t.Fatalf("Probe(true) error: %v", err)
	}
	if e == nil {
		t.Fatal("Probe(true) returned no engine")
	}
}

// The accelerated path must be indistinguishable from the interpreted path
// at the byte level, or transparent fallback would corrupt resumed runs.
func TestBatchMatchesInterpretedPath(t *testing.T) {
	for _, tc := range []struct {
		name   string
		depth  grid.Depth
		format codec.Format
	}{
		{"png8", grid.Depth8, codec.FormatPNG},
		{"tiff16", grid.Depth16, codec.FormatTIFF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			rng := rand.New(rand.NewSource(42))

			var items []pyramid.WorkItem
			for i := 0; i < 3; i++ {
				a := filepath.Join(dir, "a"+tc.name+string(rune('0'+i))+tc.format.Ext())
				b := filepath.Join(dir, "b"+tc.name+string(rune('0'+i))+tc.format.Ext())
				writeRandomSlice(t, a, 16, 12, tc.depth, tc.format, rng)
				writeRandomSlice(t, b, 16, 12, tc.depth, tc.format, rng)
				it := pyramid.WorkItem{
					Level:       1,
					OutputIndex: i,
					InputA:      a,
					InputB:      b,
					Output:      filepath.Join(dir, "fast", pyramidSliceName(i, tc.format)),
				}
				if i == 2 {
					it.InputB = "" // trailing odd slice
				}
				items = append(items, it)
			}
			if err := os.MkdirAll(filepath.Join(dir, "fast"), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.MkdirAll(filepath.Join(dir, "slow"), 0o755); err != nil {
				t.Fatal(err)
			}

			eng := &Engine{}
			report, err := eng.ProcessBatch(context.Background(), items, tc.format)
			if err != nil {
				t.Fatalf("ProcessBatch: %v", err)
			}
			if report.Processed != len(items) {
				t.Fatalf("processed %d of %d", report.Processed, len(items))
			}

			for _, it := range items {
				a, err := codec.Decode(it.InputA)
				if err != nil {
					t.Fatal(err)
				}
				var b *grid.Grid
				if it.InputB != "" {
					if b, err = codec.Decode(it.InputB); err != nil {
						t.Fatal(err)
					}
				}
				want, err := grid.Reduce(a, b)
				if err != nil {
					t.Fatal(err)
				}
				slow := filepath.Join(dir, "slow", filepath.Base(it.Output))
				if err := codec.Encode(want, tc.format, slow); err != nil {
					t.Fatal(err)
				}

				fastBytes, err := os.ReadFile(it.Output)
				if err != nil {
					t.Fatalf("reading accelerated output: %v", err)
				}
				slowBytes, err := os.ReadFile(slow)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(fastBytes, slowBytes) {
					t.Errorf("slice %d: accelerated output differs from interpreted output", it.OutputIndex)
				}
			}
		})
	}
}

func TestBatchReportsPartialProgress(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(7))

	good := filepath.Join(dir, "good.png")
	writeRandomSlice(t, good, 8, 8, grid.Depth8, codec.FormatPNG, rng)

	items := []pyramid.WorkItem{
		{OutputIndex: 0, InputA: good, Output: filepath.Join(dir, "out0.png")},
		{OutputIndex: 1, InputA: filepath.Join(dir, "missing.png"), Output: filepath.Join(dir, "out1.png")},
		{OutputIndex: 2, InputA: good, Output: filepath.Join(dir, "out2.png")},
	}

	eng := &Engine{}
	report, err := eng.ProcessBatch(context.Background(), items, codec.FormatPNG)
	if err == nil {
		t.Fatal("expected an error from the missing input")
	}
	if report.Processed != 1 {
		t.Fatalf("processed = %d, want 1", report.Processed)
	}
	if _, err := os.Stat(items[0].Output); err != nil {
		t.Errorf("first output missing: %v", err)
	}
	if _, err := os.Stat(items[1].Output); err == nil {
		t.Error("failed item left an output file")
	}
	if _, err := os.Stat(items[2].Output); err == nil {
		t.Error("item past the failure was processed")
	}
}

func TestBatchHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(3))
	good := filepath.Join(dir, "good.png")
	writeRandomSlice(t, good, 8, 8, grid.Depth8, codec.FormatPNG, rng)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := &Engine{}
	report, err := eng.ProcessBatch(ctx, []pyramid.WorkItem{
		{InputA: good, Output: filepath.Join(dir, "out.png")},
	}, codec.FormatPNG)
	if err == nil {
		t.Fatal("expected context error")
	}
	if report.Processed != 0 {
		t.Fatalf("processed = %d, want 0", report.Processed)
	}
}

func pyramidSliceName(i int, f codec.Format) string {
	return "00000" + string(rune('0'+i)) + f.Ext()
}
