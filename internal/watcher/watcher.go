// Package watcher implements C7: turning noisy OS-level filesystem events
// into a single coarse "this bundle settled" signal per registered bundle.
//
// Grounded on the single fsnotify.Watcher + debounce-timer loop used by the
// teacher's file watcher, generalized from one repository to many
// independently-debounced bundles and from a fixed directory skip-list to
// C2's per-kind ignore/tracked patterns.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/project"
)

// DefaultDebounce is spec.md §4.7's default settle window.
const DefaultDebounce = 30 * time.Second

// SettledFunc is invoked once per debounce cycle when bundleRoot has
// settled. Calls for the same bundleRoot never overlap.
type SettledFunc func(bundleRoot string)

type bundle struct {
	root     string
	debounce time.Duration
	ignore   []string
	tracked  []string

	mu         sync.Mutex
	timer      *time.Timer
	dispatchMu sync.Mutex // serializes SettledFunc invocations for this bundle
}

// Watcher is C7. One Watcher multiplexes every registered bundle through a
// single fsnotify.Watcher, matching the teacher's resource-frugal approach
// of one watch handle per process rather than one per bundle.
type Watcher struct {
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	bundles map[string]*bundle // keyed by cleaned absolute root
	onSettle SettledFunc
	log     logr.Logger
}

// New creates a Watcher. onSettle is called from the watcher's own internal
// goroutines - callers that need to touch shared state should synchronize.
func New(onSettle SettledFunc, log logr.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(err, "watcher: creating fsnotify watcher")
	}

	return &Watcher{
		fsw:      fsw,
		bundles:  map[string]*bundle{},
		onSettle: onSettle,
		log:      log.WithName("watcher"),
	}, nil
}

// Close releases the underlying OS watch handles.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// RegisterBundle starts watching root recursively, applying ignore/tracked
// patterns from C2 to filter events. debounce<=0 uses DefaultDebounce.
func (w *Watcher) RegisterBundle(root string, debounce time.Duration, tracked, ignore []string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return errs.Wrap(err, "watcher: resolving bundle root")
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	b := &bundle{root: absRoot, debounce: debounce, tracked: tracked, ignore: ignore}

	w.mu.Lock()
	w.bundles[absRoot] = b
	w.mu.Unlock()

	return w.addTree(absRoot, ignore)
}

// UnregisterBundle stops watching root and cancels any pending debounce
// timer for it.
func (w *Watcher) UnregisterBundle(root string) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return
	}

	w.mu.Lock()
	b, ok := w.bundles[absRoot]
	delete(w.bundles, absRoot)
	w.mu.Unlock()

	if !ok {
		return
	}

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
}

// addTree walks root adding every non-ignored directory to the fsnotify
// watcher, mirroring the teacher's addDirs but driven by glob patterns
// instead of a fixed directory name set.
func (w *Watcher) addTree(root string, ignore []string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && rel != "." && matchesAny(ignore, filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			w.log.V(1).Info("failed to watch directory", "path", path, "err", err)

			if os.IsPermission(err) {
				return filepath.SkipDir
			}
		}

		return nil
	})
}

func matchesAny(patterns []string, relPath string) bool {
	for _, p := range patterns {
		if project.Match(p, relPath) {
			return true
		}
	}

	return false
}

// Run drains fsnotify events until ctx is canceled. It owns the loop the
// way the teacher's runWatchAndReindex does: a single select over
// Events/Errors, with a debounce time.Timer per active bundle instead of one
// global timer.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.log.Info("fsnotify reported an error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.mu.Lock()
	b := w.ownerOf(event.Name)
	w.mu.Unlock()

	if b == nil {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.log.V(1).Info("failed to watch newly created directory", "path", event.Name, "err", err)
			}
		}
	}

	rel, err := filepath.Rel(b.root, event.Name)
	if err != nil {
		return
	}

	rel = filepath.ToSlash(rel)

	if matchesAny(b.ignore, rel) {
		return
	}

	if len(b.tracked) > 0 && !matchesAny(b.tracked, rel) {
		return
	}

	w.resetDebounce(b)
}

// ownerOf returns the bundle owning path, preferring the longest matching
// root when bundles are nested. Caller holds w.mu.
func (w *Watcher) ownerOf(path string) *bundle {
	var best *bundle

	for root, b := range w.bundles {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if best == nil || len(b.root) > len(best.root) {
				best = b
			}
		}
	}

	return best
}

func (w *Watcher) resetDebounce(b *bundle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}

	root := b.root

	b.timer = time.AfterFunc(b.debounce, func() {
		b.dispatchMu.Lock()
		defer b.dispatchMu.Unlock()

		w.onSettle(root)
	})
}
