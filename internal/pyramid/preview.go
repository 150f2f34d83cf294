package pyramid

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/voxelscope/ct-pyramid/internal/codec"
	"github.com/voxelscope/ct-pyramid/internal/grid"
	"github.com/voxelscope/ct-pyramid/internal/logging"
)

// previewName is the compressed preview volume written next to the level
// directories.
const previewName = "preview.vol.zst"

// PreviewHeader precedes the voxel data inside the compressed stream: one
// JSON line, then width*height*slices voxels in slice-major order,
// little-endian uint16 for 16-bit stacks and single bytes for 8-bit.
type PreviewHeader struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Slices   int    `json:"slices"`
	BitDepth int    `json:"bit_depth"`
	Level    int    `json:"level"`
	RunID    string `json:"run_id"`
}

// PreviewFinalizer returns a builder finalizer that assembles the deepest
// pyramid level into a single compressed volume for instant 3D preview,
// written atomically as preview.vol.zst in the pyramid directory.
func PreviewFinalizer() func(ctx context.Context, res *Result) error {
	log := logging.Component("preview")
	return func(ctx context.Context, res *Result) error {
		dst := filepath.Join(res.PyramidDir, previewName)
		if res.LevelsBuilt == 0 {
			// A fully-skipped resume must leave the pyramid untouched, so
			// an existing preview is kept as is.
			if _, err := os.Stat(dst); err == nil {
				log.Info("preview volume up to date", "path", dst)
				return nil
			}
		}
		deepest := res.Plan.Levels[len(res.Plan.Levels)-1]
		levelDir := filepath.Join(res.PyramidDir, "level_"+fmt.Sprintf("%d", deepest.Index))
		format, err := formatOfLevel(levelDir)
		if err != nil {
			return fmt.Errorf("locating deepest level slices: %w", err)
		}

		tmp, err := os.CreateTemp(res.PyramidDir, ".preview-*")
		if err != nil {
			return fmt.Errorf("creating preview temp file: %w", err)
		}
		tmpName := tmp.Name()
		cleanup := func() {
			tmp.Close()
			os.Remove(tmpName)
		}

		zw, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			cleanup()
			return fmt.Errorf("initializing compressor: %w", err)
		}

		hdr := PreviewHeader{
			Width:    deepest.Width,
			Height:   deepest.Height,
			Slices:   deepest.SliceCount,
			BitDepth: int(res.Stack.Depth),
			Level:    deepest.Index,
			RunID:    res.RunID,
		}
		hdrBytes, err := json.Marshal(hdr)
		if err != nil {
			cleanup()
			return err
		}
		if _, err := zw.Write(append(hdrBytes, '\n')); err != nil {
			cleanup()
			return fmt.Errorf("writing preview header: %w", err)
		}

		buf := make([]byte, 0, deepest.Width*deepest.Height*2)
		for i := 0; i < deepest.SliceCount; i++ {
			if err := ctx.Err(); err != nil {
				cleanup()
				return err
			}
			g, err := codec.Decode(filepath.Join(levelDir, sliceName(i, format)))
			if err != nil {
				cleanup()
				return fmt.Errorf("reading preview slice %d: %w", i, err)
			}
			buf = buf[:0]
			if g.Depth == grid.Depth8 {
				for _, v := range g.Pix {
					buf = append(buf, byte(v))
				}
			} else {
				for _, v := range g.Pix {
					buf = binary.LittleEndian.AppendUint16(buf, v)
				}
			}
			if _, err := zw.Write(buf); err != nil {
				cleanup()
				return fmt.Errorf("writing preview voxels: %w", err)
			}
		}

		if err := zw.Close(); err != nil {
			cleanup()
			return fmt.Errorf("flushing compressor: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return err
		}
		if err := os.Rename(tmpName, dst); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("publishing preview volume: %w", err)
		}
		log.Info("preview volume written",
			"path", dst,
			"level", deepest.Index,
			"dimensions", fmt.Sprintf("%dx%dx%d", deepest.Width, deepest.Height, deepest.SliceCount),
		)
		return nil
	}
}

// ReadPreview decompresses a preview volume back into a header and the raw
// voxel payload, mainly for tooling and tests.
func ReadPreview(path string) (PreviewHeader, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return PreviewHeader{}, nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return PreviewHeader{}, nil, fmt.Errorf("initializing decompressor: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	var hdr PreviewHeader
	if err := dec.Decode(&hdr); err != nil {
		return PreviewHeader{}, nil, fmt.Errorf("reading preview header: %w", err)
	}
	bytesPerVoxel := 1
	if hdr.BitDepth == int(grid.Depth16) {
		bytesPerVoxel = 2
	}
	want := hdr.Width * hdr.Height * hdr.Slices * bytesPerVoxel
	voxels := make([]byte, 0, want)
	// The JSON decoder may have buffered part of the voxel payload.
	buffered, err := io.ReadAll(dec.Buffered())
	if err != nil {
		return PreviewHeader{}, nil, err
	}
	// Drop the newline separating header and payload.
	if len(buffered) > 0 && buffered[0] == '\n' {
		buffered = buffered[1:]
	}
	voxels = append(voxels, buffered...)
	rest, err := io.ReadAll(zr)
	if err != nil {
		return PreviewHeader{}, nil, err
	}
	voxels = append(voxels, rest...)
	if len(voxels) != want {
		return PreviewHeader{}, nil, fmt.Errorf("preview payload is %d bytes, want %d", len(voxels), want)
	}
	return hdr, voxels, nil
}

// formatOfLevel infers the slice format from the level's manifest.
func formatOfLevel(dir string) (codec.Format, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return "", err
	}
	return codec.ParseFormat(m.Format)
}
