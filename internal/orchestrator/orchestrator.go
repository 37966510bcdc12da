// Package orchestrator implements C8: the per-bundle commit state machine
// and the single write path (auto-save, emergency, and manual commits all
// funnel through Commit).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/bvc-project/bvc/internal/backend"
	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/lockservice"
	"github.com/bvc-project/bvc/internal/metadata"
	"github.com/bvc-project/bvc/internal/metrics"
	"github.com/bvc-project/bvc/internal/netpolicy"
	"github.com/bvc-project/bvc/internal/queue"
)

// State is a bundle's position in spec.md §4.8's state machine.
type State int

const (
	Idle State = iota
	Dirty
	Committing
	Paused
)

func (s State) String() string {
	switch s {
	case Dirty:
		return "dirty"
	case Committing:
		return "committing"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

// CommitType selects the branch-routing and message-composition rules of
// spec.md §4.8 step 4-5.
type CommitType int

const (
	AutoSave CommitType = iota
	Emergency
	Milestone
	// Manual is an explicit, user-authored draft commit (`bvc commit`
	// without --milestone): same branch routing as AutoSave, but the
	// commit message is exactly what the user typed, not a timestamped
	// auto-save headline.
	Manual
)

// autosaveTimeout bounds an unattended auto-save/emergency commit cycle;
// manual commits use the caller's own context instead.
const autosaveTimeout = 2 * time.Minute

// BundleConfig is the static, per-bundle configuration supplied at
// RegisterBundle time.
type BundleConfig struct {
	Root        string
	ProjectPath string // the identifier used by the lock service
	Remote      string
	DraftBranch string // default "draft"
	MainBranch  string // default "main"
	Holder      string // this machine's "user@host" identity, for lock comparisons
}

// CommitOutcome summarizes one commit cycle's result.
type CommitOutcome struct {
	NoOp   bool
	Record backend.CommitRecord
	Branch string
	Pushed bool
	Queued bool // push failed and was handed to the operation queue instead
}

type bundleMachine struct {
	cfg BundleConfig

	mu               sync.Mutex
	state            State
	pendingRetrigger bool
	runMu            sync.Mutex
}

// Orchestrator is C8.
type Orchestrator struct {
	inv    *backend.Invoker
	locks  *lockservice.Service
	queue  *queue.Queue
	log    logr.Logger

	mu      sync.Mutex
	bundles map[string]*bundleMachine
}

// New wires C8 to its collaborators. queue may be nil if deferred-push
// handling is not desired; a push failure is then reported only through
// the CommitOutcome (Pushed and Queued both false), not as an error.
func New(inv *backend.Invoker, locks *lockservice.Service, q *queue.Queue, log logr.Logger) *Orchestrator {
	return &Orchestrator{
		inv:     inv,
		locks:   locks,
		queue:   q,
		log:     log.WithName("orchestrator"),
		bundles: map[string]*bundleMachine{},
	}
}

// RegisterBundle adds root to the set of bundles this orchestrator manages,
// applying defaults for unset branch names.
func (o *Orchestrator) RegisterBundle(cfg BundleConfig) {
	if cfg.DraftBranch == "" {
		cfg.DraftBranch = "draft"
	}

	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.bundles[cfg.Root] = &bundleMachine{cfg: cfg, state: Idle}
}

// UnregisterBundle removes root from management.
func (o *Orchestrator) UnregisterBundle(root string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.bundles, root)
}

// Roots returns every currently registered bundle root, sorted, for C9's
// sweep over all managed bundles.
func (o *Orchestrator) Roots() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	roots := make([]string, 0, len(o.bundles))
	for r := range o.bundles {
		roots = append(roots, r)
	}

	sort.Strings(roots)

	return roots
}

func (o *Orchestrator) get(root string) *bundleMachine {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.bundles[root]
}

// StateOf reports root's current state, surfacing Dirty when a commit is
// running and a new settle has already been remembered for the next cycle.
func (o *Orchestrator) StateOf(root string) (State, error) {
	bm := o.get(root)
	if bm == nil {
		return Idle, errs.ErrNotABundle
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bm.state == Committing && bm.pendingRetrigger {
		return Dirty, nil
	}

	return bm.state, nil
}

// Pause moves root to Paused. If a commit is in progress, the pause takes
// effect once that commit completes.
func (o *Orchestrator) Pause(root string) error {
	bm := o.get(root)
	if bm == nil {
		return errs.ErrNotABundle
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.state = Paused

	return nil
}

// Resume moves root from Paused back to Idle.
func (o *Orchestrator) Resume(root string) error {
	bm := o.get(root)
	if bm == nil {
		return errs.ErrNotABundle
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bm.state == Paused {
		bm.state = Idle
	}

	return nil
}

// OnSettled is the watcher's SettledFunc: a non-blocking entry point. If a
// commit is already running for root, the settle is remembered
// (pendingRetrigger) instead of starting a second, concurrent commit - the
// concurrency invariant of spec.md §8.
func (o *Orchestrator) OnSettled(root string) {
	bm := o.get(root)
	if bm == nil {
		return
	}

	bm.mu.Lock()
	if bm.state == Paused {
		bm.mu.Unlock()
		return
	}

	if !bm.runMu.TryLock() {
		bm.pendingRetrigger = true
		bm.mu.Unlock()

		return
	}

	bm.state = Committing
	bm.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), autosaveTimeout)
		defer cancel()

		outcome, err := o.cycle(ctx, bm, AutoSave, "", nil)
		o.logOutcome(bm.cfg.Root, outcome, err)
	}()
}

// Commit is the explicit entry point used by manual and emergency commits.
// Unlike OnSettled it blocks until it is this bundle's turn to commit.
func (o *Orchestrator) Commit(ctx context.Context, root string, ctype CommitType, userMessage string, meta *metadata.CommitMetadata) (CommitOutcome, error) {
	bm := o.get(root)
	if bm == nil {
		return CommitOutcome{}, errs.ErrNotABundle
	}

	bm.mu.Lock()
	if bm.state == Paused {
		bm.mu.Unlock()
		return CommitOutcome{}, errs.ErrPaused
	}
	bm.mu.Unlock()

	bm.runMu.Lock()

	bm.mu.Lock()
	bm.state = Committing
	bm.mu.Unlock()

	return o.cycle(ctx, bm, ctype, userMessage, meta)
}

// cycle runs one commit attempt and, while holding bm.runMu, keeps running
// follow-up attempts for every settle remembered during the previous one -
// this is what lets a single explicit or auto-save commit absorb a burst of
// file events without dropping any of them. It always releases bm.runMu
// before returning.
func (o *Orchestrator) cycle(ctx context.Context, bm *bundleMachine, ctype CommitType, userMessage string, meta *metadata.CommitMetadata) (CommitOutcome, error) {
	for {
		start := time.Now()
		outcome, err := o.commitOnce(ctx, bm, ctype, userMessage, meta)
		metrics.CommitDuration.WithLabelValues(commitTypeLabel(ctype)).Observe(time.Since(start).Seconds())
		metrics.CommitOutcomes.WithLabelValues(commitTypeLabel(ctype), commitResultLabel(outcome, err)).Inc()

		bm.mu.Lock()
		if bm.pendingRetrigger {
			bm.pendingRetrigger = false
			bm.mu.Unlock()

			ctype, userMessage, meta = AutoSave, "", nil

			continue
		}

		if bm.state != Paused {
			bm.state = Idle
		}
		bm.mu.Unlock()
		bm.runMu.Unlock()

		return outcome, err
	}
}

// commitOnce implements spec.md §4.8's seven-step commit procedure.
func (o *Orchestrator) commitOnce(ctx context.Context, bm *bundleMachine, ctype CommitType, userMessage string, meta *metadata.CommitMetadata) (CommitOutcome, error) {
	cfg := bm.cfg

	if o.locks != nil {
		lockStatus, err := o.locks.Status(ctx, cfg.ProjectPath)
		if err != nil {
			return CommitOutcome{}, err
		}

		if lockStatus.Kind == lockservice.Locked && lockStatus.Record.Holder != cfg.Holder {
			return CommitOutcome{}, errs.Wrapf(errs.ErrAlreadyLocked, "bundle locked by %s", lockStatus.Record.Holder)
		}
	}

	statusResult, err := o.inv.Status(ctx, cfg.Root)
	if err != nil {
		return CommitOutcome{}, err
	}

	if statusResult.Clean {
		return CommitOutcome{NoOp: true}, errs.ErrNoOp
	}

	if err := o.inv.Add(ctx, cfg.Root); err != nil {
		return CommitOutcome{}, err
	}

	message := composeMessage(ctype, userMessage, statusResult.Changed, meta)

	targetBranch := cfg.DraftBranch
	if ctype == Milestone {
		targetBranch = cfg.MainBranch
	}

	var rec backend.CommitRecord

	err = netpolicy.Retry(ctx, netpolicy.LockPolicy(), func(attempt int) error {
		var commitErr error
		rec, commitErr = o.inv.Commit(ctx, cfg.Root, targetBranch, message)

		return commitErr
	})
	if err != nil {
		return CommitOutcome{}, err
	}

	outcome := CommitOutcome{Record: rec, Branch: targetBranch}

	pushErr := netpolicy.Retry(ctx, netpolicy.TransportPolicy(), func(attempt int) error {
		return o.inv.Push(ctx, cfg.Root, cfg.Remote, targetBranch)
	})
	if pushErr == nil {
		outcome.Pushed = true
		return outcome, nil
	}

	if o.queue != nil {
		if _, qErr := o.queue.Enqueue(queue.Operation{
			Type: queue.OpPushCommits,
			Params: map[string]string{
				"root":   cfg.Root,
				"remote": cfg.Remote,
				"branch": targetBranch,
			},
		}); qErr != nil {
			o.log.Error(qErr, "failed to enqueue deferred push", "root", cfg.Root)
		}

		outcome.Queued = true
	}

	// The local commit succeeded; the remote step failing is not a failure
	// of the commit procedure itself (spec.md §4.8 step 7).
	return outcome, nil
}

func commitTypeLabel(ctype CommitType) string {
	switch ctype {
	case Emergency:
		return "emergency"
	case Milestone:
		return "milestone"
	case Manual:
		return "manual"
	default:
		return "autosave"
	}
}

func commitResultLabel(outcome CommitOutcome, err error) string {
	switch {
	case errs.Is(err, errs.ErrNoOp):
		return "noop"
	case err != nil:
		return "error"
	case outcome.Queued:
		return "queued"
	case outcome.Pushed:
		return "pushed"
	default:
		return "committed"
	}
}

func composeMessage(ctype CommitType, userMessage string, changed []string, meta *metadata.CommitMetadata) string {
	now := time.Now().UTC().Format(time.RFC3339)

	var headline, body string

	switch ctype {
	case Milestone, Manual:
		headline = userMessage
	case Emergency:
		headline = fmt.Sprintf("[emergency] auto-save %s", now)
		body = changedSummary(changed)
	default:
		headline = fmt.Sprintf("auto-save %s", now)
		body = changedSummary(changed)
	}

	return metadata.ComposeMessage(headline, body, meta)
}

func changedSummary(changed []string) string {
	if len(changed) == 0 {
		return ""
	}

	if len(changed) > 10 {
		return fmt.Sprintf("%d paths changed, including:\n%s", len(changed), strings.Join(changed[:10], "\n"))
	}

	return strings.Join(changed, "\n")
}

func (o *Orchestrator) logOutcome(root string, outcome CommitOutcome, err error) {
	if err != nil {
		if errs.Is(err, errs.ErrNoOp) {
			o.log.V(1).Info("settle produced no changes", "root", root)
			return
		}

		o.log.Error(err, "auto-save commit failed", "root", root)

		return
	}

	o.log.Info("auto-save commit completed", "root", root, "branch", outcome.Branch, "pushed", outcome.Pushed, "queued", outcome.Queued)
}
