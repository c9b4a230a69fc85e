// Package scene persists the fallback scene across process restarts, so a
// node that reboots while the hub is unreachable can still render its last
// trustworthy state.
package scene

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/lightwavelabs/node-sync/internal/liveness"
)

// snapshot is the on-disk record. Versioned so the layout can evolve.
type snapshot struct {
	Version   uint8 `cbor:"1,keyasint"`
	EffectID  uint8 `cbor:"2,keyasint"`
	PaletteID uint8 `cbor:"3,keyasint"`
}

const snapshotVersion = 1

// FileStore reads and writes the fallback scene as a CBOR snapshot file.
// Writes go through a temp file and rename so a crash mid-write never
// corrupts the previous snapshot.
type FileStore struct {
	path string

	mu   sync.Mutex
	last liveness.Scene
	have bool
}

// NewFileStore creates a store at the given path. The parent directory must
// exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted scene. ok is false when no snapshot exists yet.
func (s *FileStore) Load() (liveness.Scene, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return liveness.Scene{}, false, nil
	}
	if err != nil {
		return liveness.Scene{}, false, fmt.Errorf("scene: read snapshot: %w", err)
	}

	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return liveness.Scene{}, false, fmt.Errorf("scene: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return liveness.Scene{}, false, fmt.Errorf("scene: unsupported snapshot version %d", snap.Version)
	}

	sc := liveness.Scene{EffectID: snap.EffectID, PaletteID: snap.PaletteID}
	s.mu.Lock()
	s.last = sc
	s.have = true
	s.mu.Unlock()
	return sc, true, nil
}

// SaveIfChanged persists the scene when it differs from the last write.
// Called from outside the render path: disk I/O never touches a frame
// boundary.
func (s *FileStore) SaveIfChanged(sc liveness.Scene) error {
	s.mu.Lock()
	if s.have && s.last == sc {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	data, err := cbor.Marshal(snapshot{
		Version:   snapshotVersion,
		EffectID:  sc.EffectID,
		PaletteID: sc.PaletteID,
	})
	if err != nil {
		return fmt.Errorf("scene: encode snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("scene: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("scene: replace snapshot: %w", err)
	}

	s.mu.Lock()
	s.last = sc
	s.have = true
	s.mu.Unlock()
	return nil
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string {
	return filepath.Clean(s.path)
}
