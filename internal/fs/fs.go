// Package fs provides the minimal filesystem surface [Locker] needs to
// flock-guard a path: open-or-create, create missing parent directories,
// and stat for inode comparison. [Real] is the only production
// implementation.
package fs

import "os"

// File is the subset of *os.File [Locker] touches: the descriptor for
// flock(2) and Stat for the inode-replacement check.
type File interface {
	Fd() uintptr
	Stat() (os.FileInfo, error)
	Close() error
}

// FS is the filesystem dependency [Locker] is built against.
type FS interface {
	// OpenFile opens path with the given flags. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates path and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info for path. See [os.Stat].
	Stat(path string) (os.FileInfo, error)
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
