// Package lockservice implements C6: at-most-one-writer locking for a
// project bundle across machines, built entirely on the backend's
// branching and transport primitives (a dedicated "locks" branch) rather
// than a separate coordination service.
package lockservice

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/bvc-project/bvc/internal/backend"
	bvcfs "github.com/bvc-project/bvc/internal/fs"
	"github.com/bvc-project/bvc/internal/metrics"

	"github.com/bvc-project/bvc/internal/errs"
)

// LocksBranch is the dedicated branch every LockRecord lives on.
const LocksBranch = "locks"

// DefaultStaleThreshold is spec.md §4.6's default staleness cutoff.
const DefaultStaleThreshold = time.Hour

// LockRecord is the file content stored at <sanitized path>.json on the
// locks branch.
type LockRecord struct {
	ID            string    `json:"id"`
	ProjectPath   string    `json:"project_path"`
	Holder        string    `json:"holder"` // username@hostname
	MachineID     string    `json:"machine_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// StatusKind is the discriminant of LockStatus.
type StatusKind int

const (
	Unlocked StatusKind = iota
	Locked
	Expired
	Stale
)

func (k StatusKind) String() string {
	switch k {
	case Locked:
		return "locked"
	case Expired:
		return "expired"
	case Stale:
		return "stale"
	default:
		return "unlocked"
	}
}

// LockStatus is the result of Status, per spec.md §4.6.
type LockStatus struct {
	Kind             StatusKind
	Record           *LockRecord
	Remaining        time.Duration // meaningful only when Kind == Locked
	LastHeartbeatAge time.Duration // meaningful only when Kind == Stale
}

// broken reports whether a lock in this status may be overwritten by
// acquire without AlreadyLocked.
func (s LockStatus) broken() bool {
	return s.Kind == Unlocked || s.Kind == Expired || s.Kind == Stale
}

// Service is C6. One Service per remote; it multiplexes every bundle's
// locks through a single ephemeral checkout of the locks branch, guarded by
// a local flock so concurrent acquire/release/renew calls within this
// process serialize instead of racing on the same working directory.
type Service struct {
	inv                *backend.Invoker
	remote             string
	workDir            string
	verificationWindow time.Duration
	staleThreshold     time.Duration
	locker             *bvcfs.Locker
	guardPath          string
	log                logr.Logger
}

// New builds a Service. workDir must already be an initialized backend
// checkout with remote configured (created once during project setup);
// call EnsureLocksBranch before the first Acquire.
func New(inv *backend.Invoker, remote, workDir string, verificationWindow, staleThreshold time.Duration, log logr.Logger) *Service {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}

	return &Service{
		inv:                inv,
		remote:             remote,
		workDir:            workDir,
		verificationWindow: verificationWindow,
		staleThreshold:     staleThreshold,
		locker:             bvcfs.NewLocker(bvcfs.NewReal()),
		guardPath:          filepath.Join(workDir, ".lockservice.guard"),
		log:                log.WithName("lockservice"),
	}
}

// EnsureLocksBranch checks out the locks branch, creating it on first use
// with an empty start point, which the backend resolves to the checkout's
// current HEAD. The branch is not created as an orphan: it shares the
// history of that commit.
func (s *Service) EnsureLocksBranch(ctx context.Context) error {
	guard, err := s.locker.LockWithTimeout(s.guardPath, 30*time.Second)
	if err != nil {
		return errs.Wrap(err, "lockservice: acquiring local guard")
	}
	defer guard.Close()

	if err := s.inv.Checkout(ctx, s.workDir, LocksBranch); err == nil {
		return nil
	}

	if err := s.inv.BranchCreate(ctx, s.workDir, LocksBranch, ""); err != nil {
		return errs.Wrap(err, "lockservice: creating locks branch")
	}

	return s.inv.Checkout(ctx, s.workDir, LocksBranch)
}

func recordPath(workDir, projectPath string) string {
	return filepath.Join(workDir, sanitizeProjectPath(projectPath)+".json")
}

// sanitizeProjectPath reversibly encodes projectPath into a filename-safe
// string (spec.md §4.6: "a reversible encoding so that two distinct project
// paths never collide"). url.QueryEscape percent-encodes path separators
// and every other reserved character, and is exactly invertible.
func sanitizeProjectPath(projectPath string) string {
	return url.QueryEscape(filepath.ToSlash(projectPath))
}

// unsanitizeProjectPath inverts sanitizeProjectPath; used only for
// diagnostics.
func unsanitizeProjectPath(encoded string) (string, error) {
	return url.QueryUnescape(encoded)
}

// ListRecords fetches the locks branch and returns every lock record found
// on it, decoding each record's filename back to its project path. Intended
// for startup/diagnostic logging (e.g. bvcd reporting what's already locked
// when it comes up), not for the acquire/release/renew hot path.
func (s *Service) ListRecords(ctx context.Context) ([]LockRecord, error) {
	guard, err := s.locker.LockWithTimeout(s.guardPath, 30*time.Second)
	if err != nil {
		return nil, errs.Wrap(err, "lockservice: acquiring local guard")
	}
	defer guard.Close()

	if err := s.fetchAndCheckout(ctx); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(s.workDir)
	if err != nil {
		return nil, errs.Wrap(err, "lockservice: listing locks branch")
	}

	var records []LockRecord

	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}

		projectPath, err := unsanitizeProjectPath(strings.TrimSuffix(de.Name(), ".json"))
		if err != nil {
			s.log.Info("skipping unrecognized lock file name", "file", de.Name(), "err", err)
			continue
		}

		rec, err := s.readRecord(projectPath)
		if err != nil || rec == nil {
			continue
		}

		records = append(records, *rec)
	}

	return records, nil
}

func (s *Service) readRecord(projectPath string) (*LockRecord, error) {
	data, err := os.ReadFile(recordPath(s.workDir, projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errs.Wrap(err, "lockservice: reading lock record")
	}

	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errs.Wrap(err, "lockservice: decoding lock record")
	}

	return &rec, nil
}

func (s *Service) writeRecord(projectPath string, rec LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errs.Wrap(err, "lockservice: encoding lock record")
	}

	return os.WriteFile(recordPath(s.workDir, projectPath), data, 0o644)
}

// classify derives a LockStatus from a record as of now.
func classify(rec *LockRecord, staleThreshold time.Duration, now time.Time) LockStatus {
	if rec == nil {
		return LockStatus{Kind: Unlocked}
	}

	if now.After(rec.ExpiresAt) {
		return LockStatus{Kind: Expired, Record: rec}
	}

	if age := now.Sub(rec.LastHeartbeat); age > staleThreshold {
		return LockStatus{Kind: Stale, Record: rec, LastHeartbeatAge: age}
	}

	return LockStatus{Kind: Locked, Record: rec, Remaining: rec.ExpiresAt.Sub(now)}
}

// Status fetches the locks branch and reports projectPath's current state.
func (s *Service) Status(ctx context.Context, projectPath string) (LockStatus, error) {
	guard, err := s.locker.LockWithTimeout(s.guardPath, 30*time.Second)
	if err != nil {
		return LockStatus{}, errs.Wrap(err, "lockservice: acquiring local guard")
	}
	defer guard.Close()

	if err := s.fetchAndCheckout(ctx); err != nil {
		return LockStatus{}, err
	}

	rec, err := s.readRecord(projectPath)
	if err != nil {
		return LockStatus{}, err
	}

	return classify(rec, s.staleThreshold, time.Now().UTC()), nil
}

func (s *Service) fetchAndCheckout(ctx context.Context) error {
	if err := s.inv.Fetch(ctx, s.workDir, s.remote); err != nil {
		return err
	}

	return s.inv.Checkout(ctx, s.workDir, LocksBranch)
}

func (s *Service) commitAndPush(ctx context.Context, message string) error {
	if err := s.inv.Add(ctx, s.workDir); err != nil {
		return err
	}

	if _, err := s.inv.Commit(ctx, s.workDir, LocksBranch, message); err != nil {
		return err
	}

	return s.inv.Push(ctx, s.workDir, s.remote, LocksBranch)
}

// Acquire implements spec.md §4.6's five-step acquire protocol, including
// the post-push race-verification window that stands in for a true
// compare-and-swap push the backend doesn't offer.
func (s *Service) Acquire(ctx context.Context, projectPath, holder, machineID string, timeout time.Duration) (LockRecord, error) {
	guard, err := s.locker.LockWithTimeout(s.guardPath, 30*time.Second)
	if err != nil {
		return LockRecord{}, errs.Wrap(err, "lockservice: acquiring local guard")
	}
	defer guard.Close()

	if err := s.fetchAndCheckout(ctx); err != nil {
		return LockRecord{}, err
	}

	existing, err := s.readRecord(projectPath)
	if err != nil {
		return LockRecord{}, err
	}

	now := time.Now().UTC()
	status := classify(existing, s.staleThreshold, now)

	if !status.broken() {
		metrics.LockOutcomes.WithLabelValues("acquire", "already_locked").Inc()
		metrics.LockContention.WithLabelValues(projectPath).Inc()

		return LockRecord{}, errs.Wrapf(errs.ErrAlreadyLocked, "held by %s until %s", existing.Holder, existing.ExpiresAt)
	}

	if existing != nil {
		s.log.Info("overwriting displaced lock", "project", projectPath, "status", status.Kind.String(),
			"prior_holder", existing.Holder, "prior_lock_id", existing.ID)
	}

	rec := LockRecord{
		ID:            uuid.NewString(),
		ProjectPath:   projectPath,
		Holder:        holder,
		MachineID:     machineID,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(timeout),
		LastHeartbeat: now,
	}

	if err := s.writeRecord(projectPath, rec); err != nil {
		return LockRecord{}, err
	}

	if err := s.commitAndPush(ctx, "lock: acquire "+projectPath); err != nil {
		return LockRecord{}, err
	}

	s.log.Info("lock acquired, entering verification window", "project", projectPath, "lock_id", rec.ID)

	select {
	case <-ctx.Done():
		return LockRecord{}, ctx.Err()
	case <-time.After(s.verificationWindow):
	}

	if err := s.fetchAndCheckout(ctx); err != nil {
		return LockRecord{}, err
	}

	after, err := s.readRecord(projectPath)
	if err != nil {
		return LockRecord{}, err
	}

	if after == nil || after.ID != rec.ID {
		s.log.Info("lock race lost", "project", projectPath, "our_id", rec.ID)

		holder := "unknown"
		if after != nil {
			holder = after.Holder
		}

		metrics.LockOutcomes.WithLabelValues("acquire", "race_lost").Inc()

		return LockRecord{}, errs.Wrapf(errs.ErrRaceLost, "actual holder is %s", holder)
	}

	s.log.Info("lock acquire verified", "project", projectPath, "lock_id", rec.ID)
	metrics.LockOutcomes.WithLabelValues("acquire", "granted").Inc()

	return rec, nil
}

// Release deletes the lock file for projectPath after verifying lockID is
// the current holder.
func (s *Service) Release(ctx context.Context, projectPath, lockID string) error {
	guard, err := s.locker.LockWithTimeout(s.guardPath, 30*time.Second)
	if err != nil {
		return errs.Wrap(err, "lockservice: acquiring local guard")
	}
	defer guard.Close()

	if err := s.fetchAndCheckout(ctx); err != nil {
		return err
	}

	rec, err := s.readRecord(projectPath)
	if err != nil {
		return err
	}

	if rec == nil || rec.ID != lockID {
		metrics.LockOutcomes.WithLabelValues("release", "not_holder").Inc()

		return errs.Wrapf(errs.ErrNotHolder, "lock %q does not hold %s", lockID, projectPath)
	}

	if err := os.Remove(recordPath(s.workDir, projectPath)); err != nil {
		return errs.Wrap(err, "lockservice: removing lock record")
	}

	if err := s.commitAndPush(ctx, "lock: release "+projectPath); err != nil {
		return err
	}

	s.log.Info("lock released", "project", projectPath, "lock_id", lockID)
	metrics.LockOutcomes.WithLabelValues("release", "granted").Inc()

	return nil
}

// Renew extends an already-held lock without re-running race verification
// (only the holder that already won the race calls this).
func (s *Service) Renew(ctx context.Context, projectPath, lockID string, additional time.Duration) (LockRecord, error) {
	guard, err := s.locker.LockWithTimeout(s.guardPath, 30*time.Second)
	if err != nil {
		return LockRecord{}, errs.Wrap(err, "lockservice: acquiring local guard")
	}
	defer guard.Close()

	if err := s.fetchAndCheckout(ctx); err != nil {
		return LockRecord{}, err
	}

	rec, err := s.readRecord(projectPath)
	if err != nil {
		return LockRecord{}, err
	}

	if rec == nil || rec.ID != lockID {
		return LockRecord{}, errs.Wrapf(errs.ErrNotHolder, "lock %q does not hold %s", lockID, projectPath)
	}

	now := time.Now().UTC()
	rec.LastHeartbeat = now
	rec.ExpiresAt = rec.ExpiresAt.Add(additional)

	if err := s.writeRecord(projectPath, *rec); err != nil {
		return LockRecord{}, err
	}

	if err := s.commitAndPush(ctx, "lock: renew "+projectPath); err != nil {
		return LockRecord{}, err
	}

	return *rec, nil
}

// Break unconditionally deletes the lock file for projectPath. Refuses
// unless force is true (spec.md §4.6).
func (s *Service) Break(ctx context.Context, projectPath string, force bool) error {
	if !force {
		return errs.Wrapf(errs.ErrPermanent, "lockservice: break requires force=true for %s", projectPath)
	}

	guard, err := s.locker.LockWithTimeout(s.guardPath, 30*time.Second)
	if err != nil {
		return errs.Wrap(err, "lockservice: acquiring local guard")
	}
	defer guard.Close()

	if err := s.fetchAndCheckout(ctx); err != nil {
		return err
	}

	path := recordPath(s.workDir, projectPath)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return errs.Wrap(err, "lockservice: statting lock record")
	}

	if err := os.Remove(path); err != nil {
		return errs.Wrap(err, "lockservice: removing lock record")
	}

	if err := s.commitAndPush(ctx, "lock: break "+projectPath); err != nil {
		return err
	}

	s.log.Info("lock broken", "project", projectPath, "forced", force)

	return nil
}
