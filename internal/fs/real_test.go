package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReal_OpenFileCreatesAndStats(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f")
	real := NewReal()

	f, err := real.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if _, err := f.Stat(); err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if _, err := real.Stat(path); err != nil {
		t.Fatalf("Real.Stat: %v", err)
	}
}

func TestReal_MkdirAllCreatesParents(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	if err := NewReal().MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("directory not created: err=%v", err)
	}
}
