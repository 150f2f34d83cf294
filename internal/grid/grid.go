// Package grid holds the in-memory sample grid and the level reduction kernel.
package grid

import "fmt"

// Depth is the sample bit depth of a grid.
type Depth int

const (
	Depth8  Depth = 8
	Depth16 Depth = 16
)

// Max returns the largest representable sample value for the depth.
func (d Depth) Max() uint16 {
	if d == Depth8 {
		return 0xff
	}
	return 0xffff
}

func (d Depth) String() string {
	return fmt.Sprintf("%dbit", int(d))
}

// Grid is a single decoded slice: a contiguous row-major buffer of grayscale
// samples. 8-bit samples occupy the low byte of each uint16.
type Grid struct {
	Width  int
	Height int
	Depth  Depth
	Pix    []uint16
}

// New allocates a zeroed grid with the given dimensions.
func New(width, height int, depth Depth) *Grid {
	return &Grid{
		Width:  width,
		Height: height,
		Depth:  depth,
		Pix:    make([]uint16, width*height),
	}
}

// At returns the sample at (x, y). No bounds checking beyond the slice's own.
func (g *Grid) At(x, y int) uint16 {
	return g.Pix[y*g.Width+x]
}

// Set stores a sample at (x, y).
func (g *Grid) Set(x, y int, v uint16) {
	g.Pix[y*g.Width+x] = v
}

// SameShape reports whether two grids have identical dimensions and depth.
func (g *Grid) SameShape(o *Grid) bool {
	return g.Width == o.Width && g.Height == o.Height && g.Depth == o.Depth
}
