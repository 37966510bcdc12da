// Package backend wraps the external content-addressed version-control
// binary as a subprocess, normalizing its two known misbehaviors (exit code
// 0 on failure, error text on stdout) into classified errors the rest of
// the system can rely on.
package backend

import (
	"bufio"
	"context"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/bvc-project/bvc/internal/errs"
)

// Default per-call timeouts (spec.md §5).
const (
	LocalTimeout   = 30 * time.Second
	NetworkTimeout = 300 * time.Second
)

// Runner executes one backend invocation and returns its combined output.
// The production implementation shells out via os/exec; tests substitute a
// scripted fake so the rest of the system never needs a real backend
// binary on the test machine.
type Runner interface {
	Run(ctx context.Context, dir string, args []string) (stdout, stderr string, exitCode int, err error)
}

// execRunner is the production Runner, grounded on the subprocess-wrapping
// pattern other VCS front-ends in the pack use (git-init via exec.Command,
// never via a shell string).
type execRunner struct {
	path string
}

func (r execRunner) Run(ctx context.Context, dir string, args []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, r.path, args...)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdout.String(), stderr.String(), -1, err
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}

	return ok
}

// errorPatterns is the version-pinned set of combined-output substrings
// that indicate a silent failure (spec.md §4.1, §7 BackendSilentFailure).
// Keyed by the backend's self-reported version string; VerifyBackendVersion
// refuses to start against a release this table has no entry for.
var errorPatterns = map[string][]string{
	"1.0": {"Error:", "error:", "fatal:", "failed to"},
	"1.1": {"Error:", "error:", "fatal:", "failed to", "refusing to"},
}

// CommitRecord mirrors spec.md §3.
type CommitRecord struct {
	ID        string
	Author    string
	Timestamp time.Time
	ParentID  string
	Message   string
	Branch    string
}

// StatusResult is the typed result of the `status` verb.
type StatusResult struct {
	Changed []string
	Clean   bool
}

// Invoker is C1: one Go method per backend verb, each returning a typed
// result or a classified *errs wrapped error.
type Invoker struct {
	runner        Runner
	sem           *semaphore.Weighted
	log           logr.Logger
	version       string
	errorPatterns []string
}

// New constructs an Invoker against the backend binary at path, bounding
// concurrent child processes to concurrency (spec.md §5's dedicated worker
// pool for subprocess I/O).
func New(path string, concurrency int64, log logr.Logger) *Invoker {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Invoker{
		runner: execRunner{path: path},
		sem:    semaphore.NewWeighted(concurrency),
		log:    log.WithName("backend"),
	}
}

// newWithRunner is used by tests to inject a scripted Runner.
func newWithRunner(r Runner, log logr.Logger) *Invoker {
	return &Invoker{runner: r, sem: semaphore.NewWeighted(4), log: log}
}

// NewWithRunner is newWithRunner exported for other packages' tests (e.g.
// lockservice, orchestrator) that need an Invoker backed by a scripted
// Runner instead of a real subprocess.
func NewWithRunner(r Runner, log logr.Logger) *Invoker {
	return newWithRunner(r, log)
}

// VerifyBackendVersion queries the backend's reported version and refuses
// to proceed unless the version-pinned error-pattern table has an entry for
// it (spec.md §4.1, §7 BackendVersionMismatch).
func (inv *Invoker) VerifyBackendVersion(ctx context.Context) error {
	stdout, stderr, exitCode, err := inv.runner.Run(ctx, "", []string{"version"})
	if err != nil {
		return errs.Wrap(errs.ErrBackendMissing, err.Error())
	}

	combined := stdout + stderr
	if exitCode != 0 {
		return errs.Wrapf(errs.ErrBackendMissing, "backend exited %d: %s", exitCode, combined)
	}

	version := strings.TrimSpace(combined)

	patterns, ok := errorPatterns[version]
	if !ok {
		return errs.Wrapf(errs.ErrBackendVersionMismatch, "unrecognized backend version %q", version)
	}

	inv.version = version
	inv.errorPatterns = patterns

	return nil
}

// canonicalize verifies path lies inside root (spec.md §4.1 argument
// sanitization, invariant 8) and returns the cleaned absolute form to pass
// as a literal argv entry.
func canonicalize(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errs.Wrap(err, "backend: resolving repository root")
	}

	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Clean(filepath.Join(absRoot, path))
	}

	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Wrapf(errs.ErrOutOfBounds, "path %q escapes repository root %q", path, root)
	}

	return candidate, nil
}

// call runs one backend verb, applying the silent-failure override
// (spec.md §4.1, §8 invariant 5): a zero exit code matching an error
// pattern is still a failure.
func (inv *Invoker) call(ctx context.Context, root string, timeout time.Duration, args ...string) (string, error) {
	if err := inv.sem.Acquire(ctx, 1); err != nil {
		return "", errs.Wrap(err, "backend: acquiring worker slot")
	}
	defer inv.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv.log.V(1).Info("invoking backend", "argv", args, "root", root)

	stdout, stderr, exitCode, err := inv.runner.Run(callCtx, root, args)
	if callCtx.Err() == context.DeadlineExceeded {
		return "", errs.Wrap(errs.ErrTimeout, "backend: call exceeded "+timeout.String())
	}

	if err != nil {
		return "", errs.Wrap(err, "backend: launching subprocess")
	}

	combined := stdout + stderr

	if patterns := inv.patternsFor(); len(patterns) > 0 {
		for _, p := range patterns {
			if strings.Contains(combined, p) {
				return combined, errs.Wrapf(errs.ErrBackendSilentFailure, "matched pattern %q (exit %d): %s", p, exitCode, combined)
			}
		}
	}

	if exitCode != 0 {
		return combined, errs.Wrapf(errs.ErrPermanent, "backend exited %d: %s", exitCode, combined)
	}

	return combined, nil
}

func (inv *Invoker) patternsFor() []string {
	if len(inv.errorPatterns) > 0 {
		return inv.errorPatterns
	}

	return errorPatterns["1.1"]
}

// Init creates a new backend repository at root.
func (inv *Invoker) Init(ctx context.Context, root string) error {
	_, err := inv.call(ctx, root, LocalTimeout, "init")
	return err
}

// Add stages every path (relative to root) for the next commit. An empty
// paths list stages everything ("add all", spec.md §4.8 step 3).
func (inv *Invoker) Add(ctx context.Context, root string, paths ...string) error {
	args := []string{"add"}

	if len(paths) == 0 {
		args = append(args, ".")
	} else {
		for _, p := range paths {
			clean, err := canonicalize(root, p)
			if err != nil {
				return err
			}

			args = append(args, clean)
		}
	}

	_, err := inv.call(ctx, root, LocalTimeout, args...)

	return err
}

// Commit records a commit on branch with message, returning the typed
// record the backend reports.
func (inv *Invoker) Commit(ctx context.Context, root, branch, message string) (CommitRecord, error) {
	out, err := inv.call(ctx, root, LocalTimeout, "commit", "--branch", branch, "--message", message)
	if err != nil {
		return CommitRecord{}, err
	}

	return parseCommitRecord(out, branch, message)
}

// Log returns up to limit CommitRecords on the current branch, most recent
// first. limit<=0 means "no limit".
func (inv *Invoker) Log(ctx context.Context, root string, limit int) ([]CommitRecord, error) {
	args := []string{"log"}
	if limit > 0 {
		args = append(args, "--limit", strconv.Itoa(limit))
	}

	out, err := inv.call(ctx, root, LocalTimeout, args...)
	if err != nil {
		return nil, err
	}

	return parseLog(out)
}

// Status reports the working tree's changed paths.
func (inv *Invoker) Status(ctx context.Context, root string) (StatusResult, error) {
	out, err := inv.call(ctx, root, LocalTimeout, "status")
	if err != nil {
		return StatusResult{}, err
	}

	return parseStatus(out), nil
}

// Checkout switches the working tree to ref.
func (inv *Invoker) Checkout(ctx context.Context, root, ref string) error {
	_, err := inv.call(ctx, root, LocalTimeout, "checkout", ref)
	return err
}

// BranchCreate creates branch name, pointed at startPoint (empty = HEAD).
func (inv *Invoker) BranchCreate(ctx context.Context, root, name, startPoint string) error {
	args := []string{"branch-create", name}
	if startPoint != "" {
		args = append(args, "--from", startPoint)
	}

	_, err := inv.call(ctx, root, LocalTimeout, args...)

	return err
}

// BranchList returns every local branch name.
func (inv *Invoker) BranchList(ctx context.Context, root string) ([]string, error) {
	out, err := inv.call(ctx, root, LocalTimeout, "branch-list")
	if err != nil {
		return nil, err
	}

	var branches []string

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			branches = append(branches, strings.TrimPrefix(line, "* "))
		}
	}

	return branches, nil
}

// Push uploads branch to remote over the network timeout.
func (inv *Invoker) Push(ctx context.Context, root, remote, branch string) error {
	_, err := inv.call(ctx, root, NetworkTimeout, "push", remote, branch)
	return err
}

// Pull fetches and merges branch from remote.
func (inv *Invoker) Pull(ctx context.Context, root, remote, branch string) error {
	_, err := inv.call(ctx, root, NetworkTimeout, "pull", remote, branch)
	return err
}

// Fetch downloads remote's refs without merging.
func (inv *Invoker) Fetch(ctx context.Context, root, remote string) error {
	_, err := inv.call(ctx, root, NetworkTimeout, "fetch", remote)
	return err
}

// Restore resets the working tree to ref.
func (inv *Invoker) Restore(ctx context.Context, root, ref string) error {
	_, err := inv.call(ctx, root, LocalTimeout, "restore", ref)
	return err
}

func parseCommitRecord(out, branch, message string) (CommitRecord, error) {
	fields := map[string]string{}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	id, ok := fields["commit"]
	if !ok || id == "" {
		return CommitRecord{}, errs.Wrapf(errs.ErrBundleCorrupt, "backend: commit output missing id: %q", out)
	}

	ts := time.Now().UTC()
	if raw, ok := fields["timestamp"]; ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}

	return CommitRecord{
		ID:        id,
		Author:    fields["author"],
		Timestamp: ts,
		ParentID:  fields["parent"],
		Message:   message,
		Branch:    branch,
	}, nil
}

func parseLog(out string) ([]CommitRecord, error) {
	var (
		records []CommitRecord
		current *CommitRecord
	)

	flush := func() {
		if current != nil {
			records = append(records, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if strings.HasPrefix(line, "commit ") {
			flush()
			current = &CommitRecord{ID: strings.TrimSpace(strings.TrimPrefix(line, "commit "))}

			continue
		}

		if current == nil {
			return nil, errs.Wrapf(errs.ErrBundleCorrupt, "backend: log output has no leading commit line: %q", out)
		}

		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}

		switch strings.TrimSpace(key) {
		case "author":
			current.Author = strings.TrimSpace(value)
		case "parent":
			current.ParentID = strings.TrimSpace(value)
		case "branch":
			current.Branch = strings.TrimSpace(value)
		case "timestamp":
			if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
				current.Timestamp = parsed
			}
		case "message":
			current.Message = strings.TrimSpace(value)
		}
	}

	flush()

	return records, nil
}

func parseStatus(out string) StatusResult {
	var changed []string

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		changed = append(changed, line)
	}

	return StatusResult{Changed: changed, Clean: len(changed) == 0}
}
