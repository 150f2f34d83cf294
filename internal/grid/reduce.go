package grid

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when a slice pair disagrees on dimensions or depth.
var ErrShapeMismatch = errors.New("input grids have mismatched shape")

// Reduce collapses one or two consecutive slices into a single half-resolution
// output slice. With both inputs present each output pixel is the 2x2 box mean
// of the pairwise average (a+b)/2, depth first, space second, all divisions
// floored. With b nil only the spatial box mean of a is taken. A trailing odd
// row or column is dropped, so the output is exactly (w/2, h/2).
//
// Inputs are never mutated and the result carries the input depth.
func Reduce(a, b *Grid) (*Grid, error) {
	out := New(a.Width/2, a.Height/2, a.Depth)
	if err := ReduceInto(a, b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReduceInto is Reduce writing into a caller-owned grid, letting batch callers
// reuse one output buffer across items. out must be (a.Width/2, a.Height/2)
// at a's depth.
func ReduceInto(a, b, out *Grid) error {
	if b != nil && !a.SameShape(b) {
		return fmt.Errorf("%w: %dx%d/%v vs %dx%d/%v", ErrShapeMismatch,
			a.Width, a.Height, a.Depth, b.Width, b.Height, b.Depth)
	}
	ow, oh := a.Width/2, a.Height/2
	if out.Width != ow || out.Height != oh || out.Depth != a.Depth {
		return fmt.Errorf("%w: output %dx%d/%v, want %dx%d/%v", ErrShapeMismatch,
			out.Width, out.Height, out.Depth, ow, oh, a.Depth)
	}

	for oy := 0; oy < oh; oy++ {
		row0 := 2 * oy * a.Width
		row1 := row0 + a.Width
		outRow := oy * ow
		for ox := 0; ox < ow; ox++ {
			x0 := 2 * ox
			var p00, p01, p10, p11 uint32
			if b == nil {
				p00 = uint32(a.Pix[row0+x0])
				p01 = uint32(a.Pix[row0+x0+1])
				p10 = uint32(a.Pix[row1+x0])
				p11 = uint32(a.Pix[row1+x0+1])
			} else {
				// Depth reduction first: floor mean of the slice pair.
				p00 = (uint32(a.Pix[row0+x0]) + uint32(b.Pix[row0+x0])) / 2
				p01 = (uint32(a.Pix[row0+x0+1]) + uint32(b.Pix[row0+x0+1])) / 2
				p10 = (uint32(a.Pix[row1+x0]) + uint32(b.Pix[row1+x0])) / 2
				p11 = (uint32(a.Pix[row1+x0+1]) + uint32(b.Pix[row1+x0+1])) / 2
			}
			out.Pix[outRow+ox] = uint16((p00 + p01 + p10 + p11) / 4)
		}
	}
	return nil
}
