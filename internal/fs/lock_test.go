package fs

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockWithTimeout_GrantsThenBlocksThenReleases(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "queue.lock")

	lock1, err := locker.LockWithTimeout(path, time.Second)
	if err != nil {
		t.Fatalf("first LockWithTimeout: %v", err)
	}

	if _, err := locker.LockWithTimeout(path, 50*time.Millisecond); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockWithTimeout while held: err=%v, want %v", err, ErrWouldBlock)
	}

	if err := lock1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lock2, err := locker.LockWithTimeout(path, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout after release: %v", err)
	}

	if err := lock2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLockWithTimeout_RejectsNonPositiveTimeout(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "queue.lock")

	if _, err := locker.LockWithTimeout(path, 0); !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("LockWithTimeout(0): err=%v, want %v", err, ErrInvalidTimeout)
	}
}

func TestLockWithTimeout_CreatesMissingParentDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "queue.lock")

	lock, err := NewLocker(NewReal()).LockWithTimeout(path, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout: %v", err)
	}
	defer lock.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
}

func TestLockWithTimeout_SerializesConcurrentCallers(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "queue.lock")

	var holders int32
	var maxObserved int32
	done := make(chan struct{})

	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()

			lock, err := locker.LockWithTimeout(path, 2*time.Second)
			if err != nil {
				t.Errorf("LockWithTimeout: %v", err)
				return
			}

			n := atomic.AddInt32(&holders, 1)
			for {
				max := atomic.LoadInt32(&maxObserved)
				if n <= max || atomic.CompareAndSwapInt32(&maxObserved, max, n) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&holders, -1)

			if err := lock.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()
	}

	for range 8 {
		<-done
	}

	if max := atomic.LoadInt32(&maxObserved); max != 1 {
		t.Fatalf("observed %d simultaneous holders, want 1", max)
	}
}

func TestLockWithTimeout_GrantsLockOnReplacedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "queue.lock")

	lock, err := NewLocker(NewReal()).LockWithTimeout(path, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout: %v", err)
	}

	replacement := filepath.Join(dir, "replacement.lock")
	if err := os.WriteFile(replacement, nil, 0o600); err != nil {
		t.Fatalf("writing replacement file: %v", err)
	}

	if err := os.Rename(replacement, path); err != nil {
		t.Fatalf("renaming over lock file: %v", err)
	}

	lock2, err := NewLocker(NewReal()).LockWithTimeout(path, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout on replaced path: %v", err)
	}

	if err := lock2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close original (now-orphaned) lock: %v", err)
	}
}
