// Package pyramid plans and drives multi-resolution pyramid generation over
// a CT slice stack: geometry planning, the worker pool, per-level manifests
// and resume, and the top-level builder orchestration.
package pyramid

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/voxelscope/ct-pyramid/internal/codec"
	"github.com/voxelscope/ct-pyramid/internal/imagestack"
)

// Level describes one pyramid level to generate.
type Level struct {
	// Index is 1-based; level 0 is the original stack.
	Index int
	// Width and Height halve per level, rounding down.
	Width  int
	Height int
	// SliceCount halves per level, rounding up: a trailing odd slice is
	// carried forward rather than dropped.
	SliceCount int
	// ItemWeight is the relative cost of one work item at this level,
	// normalized so a level-1 item weighs 1.0.
	ItemWeight float64
}

// Plan is the full generation schedule for a stack.
type Plan struct {
	Levels []Level
	// TotalItems and TotalWeighted cover every level in the plan; the
	// builder subtracts skipped levels when resuming.
	TotalItems    int64
	TotalWeighted float64
}

// NewPlan computes the level schedule for a stack of the given dimensions.
// Levels are generated while the candidate's larger in-plane dimension still
// exceeds minDimension, up to maxLevels.
func NewPlan(width, height, slices, maxLevels, minDimension int) (Plan, error) {
	if width < 2 || height < 2 {
		return Plan{}, fmt.Errorf("stack %dx%d too small to downsample", width, height)
	}
	if slices < 1 {
		return Plan{}, fmt.Errorf("stack has no slices")
	}

	var p Plan
	w, h, s := width, height, slices
	baseArea := float64((width / 2) * (height / 2))
	for k := 1; k <= maxLevels; k++ {
		w, h, s = w/2, h/2, (s+1)/2
		if max(w, h) <= minDimension && k > 1 {
			break
		}
		lvl := Level{
			Index:      k,
			Width:      w,
			Height:     h,
			SliceCount: s,
			ItemWeight: float64(w*h) / baseArea,
		}
		p.Levels = append(p.Levels, lvl)
		p.TotalItems += int64(s)
		p.TotalWeighted += float64(s) * lvl.ItemWeight
		if max(w, h) <= minDimension {
			break
		}
	}
	if len(p.Levels) == 0 {
		return Plan{}, fmt.Errorf("stack %dx%d yields no levels above minimum dimension %d", width, height, minDimension)
	}
	return p, nil
}

// WorkItem is one downsampling unit: one or two adjacent input slices
// reduced into a single output slice.
type WorkItem struct {
	Level       int
	OutputIndex int
	// InputA and InputB are absolute slice paths. InputB is empty for a
	// trailing odd slice, which is downsampled spatially only.
	InputA string
	InputB string
	Output string
	Weight float64
}

// BatchReport describes how far an accelerated batch got before returning.
type BatchReport struct {
	// Processed is the count of items fully written, in submission order.
	// On error, items past this point have produced no output.
	Processed int
}

// BatchProcessor is the accelerated reduction path. Implementations must
// produce output byte-identical to the interpreted decode/reduce/encode
// path; the pool falls back item by item when a batch fails partway.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, items []WorkItem, format codec.Format) (BatchReport, error)
}

// sliceName is the canonical output filename for a generated slice.
func sliceName(index int, format codec.Format) string {
	return fmt.Sprintf("%06d%s", index, format.Ext())
}

// levelItems builds the work items for one level. For level 1 the inputs
// come from the source stack; deeper levels read the previous level's
// output directory.
func levelItems(lvl Level, prev *Level, stack *imagestack.Stack, prevDir, outDir string, format codec.Format) []WorkItem {
	var inputCount int
	inputPath := func(i int) string {
		return filepath.Join(prevDir, sliceName(i, format))
	}
	if prev == nil {
		inputCount = len(stack.Slices)
		inputPath = func(i int) string { return stack.Slices[i].Path }
	} else {
		inputCount = prev.SliceCount
	}

	items := make([]WorkItem, 0, lvl.SliceCount)
	for out := 0; out < lvl.SliceCount; out++ {
		it := WorkItem{
			Level:       lvl.Index,
			OutputIndex: out,
			InputA:      inputPath(2 * out),
			Output:      filepath.Join(outDir, sliceName(out, format)),
			Weight:      lvl.ItemWeight,
		}
		if 2*out+1 < inputCount {
			it.InputB = inputPath(2*out + 1)
		}
		items = append(items, it)
	}
	return items
}
