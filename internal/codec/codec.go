// Package codec reads and writes single pyramid slices, preserving bit depth.
package codec

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/voxelscope/ct-pyramid/internal/grid"
)

// Format is the on-disk slice format. Both supported formats are lossless for
// 8- and 16-bit grayscale.
type Format string

const (
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
)

// ParseFormat validates a configured format string.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "png":
		return FormatPNG, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("unsupported slice format %q (want png or tiff)", s)
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	if f == FormatTIFF {
		return ".tif"
	}
	return ".png"
}

// DecodeError reports a source slice that could not be read: unsupported
// format, truncated data, or an empty file.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports an output slice that could not be written, typically a
// full disk or a permission problem.
type EncodeError struct {
	Path string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Decode reads one slice file into a grid. The container is chosen by file
// extension; bit depth follows the pixel format (Gray = 8, Gray16 = 16).
func Decode(path string) (*grid.Grid, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	if fi.Size() == 0 {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("empty file")}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		img, err = png.Decode(f)
	case ".tif", ".tiff":
		img, err = tiff.Decode(f)
	default:
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("unsupported extension %q", filepath.Ext(path))}
	}
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	g, err := fromImage(img)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return g, nil
}

// Encode writes a grid to path in the given format. The write is atomic: data
// goes to a temp file in the target directory and is renamed into place, so a
// crash mid-write never leaves a corrupt final file. The output depth always
// equals the grid depth.
func Encode(g *grid.Grid, format Format, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".slice-*"+format.Ext())
	if err != nil {
		return &EncodeError{Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	if err := encodeTo(tmp, g, format); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &EncodeError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &EncodeError{Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &EncodeError{Path: path, Err: err}
	}
	return nil
}

func encodeTo(f *os.File, g *grid.Grid, format Format) error {
	img := toImage(g)
	if format == FormatTIFF {
		return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return png.Encode(f, img)
}

func fromImage(img image.Image) (*grid.Grid, error) {
	b := img.Bounds()
	switch src := img.(type) {
	case *image.Gray:
		g := grid.New(b.Dx(), b.Dy(), grid.Depth8)
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+b.Dx()]
			for x, v := range row {
				g.Pix[y*g.Width+x] = uint16(v)
			}
		}
		return g, nil
	case *image.Gray16:
		g := grid.New(b.Dx(), b.Dy(), grid.Depth16)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				off := y*src.Stride + 2*x
				g.Pix[y*g.Width+x] = uint16(src.Pix[off])<<8 | uint16(src.Pix[off+1])
			}
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %T (grayscale only)", img)
	}
}

func toImage(g *grid.Grid) image.Image {
	rect := image.Rect(0, 0, g.Width, g.Height)
	if g.Depth == grid.Depth8 {
		img := image.NewGray(rect)
		for i, v := range g.Pix {
			img.Pix[i] = uint8(v)
		}
		return img
	}
	img := image.NewGray16(rect)
	for i, v := range g.Pix {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	return img
}
