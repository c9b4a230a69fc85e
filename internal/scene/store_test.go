package scene

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lightwavelabs/node-sync/internal/liveness"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.cbor")
	store := NewFileStore(path)

	// Nothing persisted yet.
	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("Load on empty store: ok=%v err=%v, want false, nil", ok, err)
	}

	want := liveness.Scene{EffectID: 12, PaletteID: 4}
	if err := store.SaveIfChanged(want); err != nil {
		t.Fatalf("SaveIfChanged: %v", err)
	}

	// A fresh store instance reads it back.
	got, ok, err := NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok || got != want {
		t.Fatalf("Load = %+v, %v, want %+v, true", got, ok, want)
	}
}

func TestFileStore_SaveIfChangedSkipsIdentical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.cbor")
	store := NewFileStore(path)

	sc := liveness.Scene{EffectID: 1, PaletteID: 1}
	if err := store.SaveIfChanged(sc); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// Remove the file behind the store's back: an identical save must not
	// rewrite it.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.SaveIfChanged(sc); err != nil {
		t.Fatalf("identical save: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("identical save rewrote the snapshot")
	}

	// A changed scene is written.
	if err := store.SaveIfChanged(liveness.Scene{EffectID: 2}); err != nil {
		t.Fatalf("changed save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("changed save did not write: %v", err)
	}
}

func TestFileStore_CorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.cbor")
	if err := os.WriteFile(path, []byte("not cbor at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, _, err := NewFileStore(path).Load(); err == nil {
		t.Fatalf("Load of corrupt snapshot succeeded, want error")
	}
}
