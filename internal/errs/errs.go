// Package errs defines the error taxonomy shared by every bvc component.
//
// Errors are classified by sentinel, not by Go type: a component wraps one
// of the sentinels below with cockroachdb/errors so callers can both test
// with errors.Is and, in verbose mode, walk the full cause chain down to the
// backend's raw combined output.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Sentinels, one per taxonomy entry. Most call sites wrap them with
// Wrap/Wrapf for context; a few (e.g. ErrNotABundle, ErrNoOp) are returned bare.
var (
	ErrNotABundle             = errors.New("not a bundle")
	ErrBundleCorrupt          = errors.New("bundle corrupt")
	ErrBackendMissing         = errors.New("backend binary missing")
	ErrBackendVersionMismatch = errors.New("backend version mismatch")
	ErrBackendSilentFailure   = errors.New("backend reported failure without a failing exit code")
	ErrTransient              = errors.New("transient failure")
	ErrPermanent              = errors.New("permanent failure")
	ErrAlreadyLocked          = errors.New("already locked")
	ErrNotHolder              = errors.New("caller is not the lock holder")
	ErrRaceLost               = errors.New("lost the acquisition race")
	ErrExpired                = errors.New("lock expired")
	ErrStale                  = errors.New("lock stale")
	ErrPaused                 = errors.New("orchestrator paused")
	ErrTimeout                = errors.New("operation timed out")
	ErrNoOp                   = errors.New("no changes to commit")
	ErrFastForwardOnly        = errors.New("draft branch has diverged, fast-forward-only merge refused")
	ErrUnsupportedOperation   = errors.New("queue entry operation no longer supported")
	ErrOutOfBounds            = errors.New("path escapes repository root")
)

// Wrap attaches msg as context to cause and preserves the cause chain for
// errors.Is/As and verbose-mode inspection.
func Wrap(cause error, msg string) error {
	return errors.Wrap(cause, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(cause error, format string, args ...any) error {
	return errors.Wrapf(cause, format, args...)
}

// Is reports whether err's cause chain contains target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// VerboseDetails renders the full cause chain, including any detail
// attached via errors.WithDetail, as a single string.
func VerboseDetails(err error) string {
	if err == nil {
		return ""
	}

	return errors.FlattenDetails(err)
}
