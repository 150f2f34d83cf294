package pyramid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voxelscope/ct-pyramid/internal/codec"
	"github.com/voxelscope/ct-pyramid/internal/grid"
)

// manifestName is the per-level manifest filename inside each level
// directory.
const manifestName = "manifest.json"

// Producer identifies the build that wrote a level, for provenance in the
// manifest.
type Producer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	RunID   string `json:"run_id"`
}

// Manifest records a finished level so later runs can skip regenerating it.
// A manifest is only written after every slice of the level is on disk, so
// its presence is the completeness marker.
type Manifest struct {
	Level      int        `json:"level"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	SliceCount int        `json:"slice_count"`
	Format     string     `json:"format"`
	Depth      grid.Depth `json:"bit_depth"`
	Complete   bool       `json:"complete"`
	CreatedAt  time.Time  `json:"created_at"`
	Producer   Producer   `json:"producer"`
}

// WriteManifest writes the manifest atomically into dir: temp file in the
// same directory, then rename.
func WriteManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("creating manifest temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing manifest: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, manifestName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest from dir. A missing manifest is reported
// as fs.ErrNotExist; an unreadable or corrupt one is an error the caller
// treats as "regenerate".
func LoadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest in %s: %w", dir, err)
	}
	return m, nil
}

// Matches reports whether an existing manifest describes exactly the level
// this run would generate, making the level safe to skip.
func (m Manifest) Matches(lvl Level, format codec.Format, depth grid.Depth) bool {
	return m.Complete &&
		m.Level == lvl.Index &&
		m.Width == lvl.Width &&
		m.Height == lvl.Height &&
		m.SliceCount == lvl.SliceCount &&
		m.Format == string(format) &&
		m.Depth == depth
}

// levelComplete reports whether dir holds a matching manifest and all the
// slices it promises. Any mismatch or read failure means the level must be
// regenerated.
func levelComplete(dir string, lvl Level, format codec.Format, depth grid.Depth) bool {
	m, err := LoadManifest(dir)
	if err != nil {
		// Missing or corrupt manifest both mean regenerate.
		return false
	}
	if !m.Matches(lvl, format, depth) {
		return false
	}
	for i := 0; i < lvl.SliceCount; i++ {
		info, err := os.Stat(filepath.Join(dir, sliceName(i, format)))
		if err != nil || info.Size() == 0 {
			return false
		}
	}
	return true
}
