// Package imagestack discovers an ordered CT slice sequence in a source
// directory: pattern detection, sequence extraction, and dimension probing.
package imagestack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/voxelscope/ct-pyramid/internal/codec"
	"github.com/voxelscope/ct-pyramid/internal/fsguard"
	"github.com/voxelscope/ct-pyramid/internal/grid"
)

// ErrNoStack is returned when no files matching a CT stack pattern are found.
var ErrNoStack = errors.New("no files matching a CT stack pattern found")

// slicePattern matches "<prefix><digits>.<ext>", e.g. "slice_0001.tif".
var slicePattern = regexp.MustCompile(`^(.*?)(\d+)\.(\w+)$`)

// Only the lossless grayscale containers the codec understands.
var sliceExtensions = map[string]bool{
	".png": true, ".tif": true, ".tiff": true,
}

// Slice is one validated level-0 input: its position in the stack and its
// absolute source path.
type Slice struct {
	Index int
	Path  string
}

// Stack is the ordered, gap-free level-0 slice sequence. Immutable once the
// directory scan completes.
type Stack struct {
	Dir    string
	Prefix string
	Ext    string
	Width  int
	Height int
	Depth  grid.Depth
	Slices []Slice
}

// Count returns the number of slices.
func (s *Stack) Count() int { return len(s.Slices) }

// Scan analyzes a directory and builds the slice stack. It detects the most
// common "<prefix><number>.<ext>" pattern, orders the matches by sequence
// number, verifies the sequence has no gaps, and probes the first slice for
// dimensions and bit depth. Every candidate path is validated by the guard;
// symlinked slices are skipped rather than followed.
func Scan(dir string, guard *fsguard.Guard) (*Stack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source directory %s: %w", dir, err)
	}

	// Most common prefix+ext wins; mixed directories (logs, previews) are
	// common in scanner output folders.
	type key struct{ prefix, ext string }
	counts := make(map[key]int)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := slicePattern.FindStringSubmatch(e.Name())
		if m == nil || !sliceExtensions["."+strings.ToLower(m[3])] {
			continue
		}
		counts[key{m[1], strings.ToLower(m[3])}]++
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoStack, dir)
	}
	var best key
	for k, n := range counts {
		if n > counts[best] {
			best = k
		}
	}

	seqs := make(map[int]string)
	var order []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := slicePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != best.prefix || strings.ToLower(m[3]) != best.ext {
			continue
		}
		seq, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		path, err := guard.ValidateNoSymlink(filepath.Join(dir, e.Name()))
		if err != nil {
			var se *fsguard.SecurityError
			if errors.As(err, &se) {
				continue
			}
			return nil, err
		}
		if _, dup := seqs[seq]; !dup {
			seqs[seq] = path
			order = append(order, seq)
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoStack, dir)
	}
	sort.Ints(order)

	// The stack must be gap-free: a missing slice would silently shift every
	// output pair after it.
	for i := 1; i < len(order); i++ {
		if order[i] != order[i-1]+1 {
			return nil, fmt.Errorf("slice sequence has a gap: %s%d missing (stack %s%d..%s%d)",
				best.prefix, order[i-1]+1, best.prefix, order[0], best.prefix, order[len(order)-1])
		}
	}

	slices := make([]Slice, len(order))
	for i, seq := range order {
		slices[i] = Slice{Index: i, Path: seqs[seq]}
	}

	probe, err := codec.Decode(slices[0].Path)
	if err != nil {
		return nil, fmt.Errorf("probe first slice: %w", err)
	}

	return &Stack{
		Dir:    dir,
		Prefix: best.prefix,
		Ext:    best.ext,
		Width:  probe.Width,
		Height: probe.Height,
		Depth:  probe.Depth,
		Slices: slices,
	}, nil
}
