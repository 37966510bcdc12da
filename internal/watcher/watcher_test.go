package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/bvc-project/bvc/internal/watcher"
)

func TestRegisterBundle_DeliversSettledAfterDebounce(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	settled := make(chan string, 4)

	w, err := watcher.New(func(bundleRoot string) { settled <- bundleRoot }, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	require.NoError(t, w.RegisterBundle(root, 20*time.Millisecond, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(root, "take1.wav"), []byte("x"), 0o644))

	select {
	case got := <-settled:
		absRoot, _ := filepath.Abs(root)
		require.Equal(t, absRoot, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for settled signal")
	}
}

func TestIgnoredPath_NeverTriggersSettle(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	settled := make(chan string, 4)

	w, err := watcher.New(func(bundleRoot string) { settled <- bundleRoot }, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	require.NoError(t, w.RegisterBundle(root, 20*time.Millisecond, nil, []string{"*.tmp", "**/*.tmp"}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0o644))

	select {
	case <-settled:
		t.Fatal("ignored path must not trigger a settled signal")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRepeatedEvents_CollapseIntoOneSettledSignal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	settled := make(chan string, 4)

	w, err := watcher.New(func(bundleRoot string) { settled <- bundleRoot }, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	require.NoError(t, w.RegisterBundle(root, 100*time.Millisecond, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "take1.wav"), []byte("x"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for settled signal")
	}

	select {
	case <-settled:
		t.Fatal("expected exactly one settled signal for a single debounce cycle")
	case <-time.After(300 * time.Millisecond):
	}
}
