package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/bvc-project/bvc/internal/backend"
	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/lockservice"
	"github.com/bvc-project/bvc/internal/orchestrator"
	"github.com/bvc-project/bvc/internal/queue"
)

// scriptedRunner scripts backend.Runner by verb for orchestrator tests.
// blockStatusOnce, when non-nil, is read (blocking) the first time "status"
// is invoked, letting a test hold a commit mid-flight.
type scriptedRunner struct {
	statusOut       string
	commitOut       string
	pushExitCode    int
	pushOut         string
	blockStatusOnce chan struct{}
	statusCalls     int
}

func (r *scriptedRunner) Run(ctx context.Context, dir string, args []string) (string, string, int, error) {
	if len(args) == 0 {
		return "", "", 0, nil
	}

	switch args[0] {
	case "status":
		r.statusCalls++
		if r.statusCalls == 1 && r.blockStatusOnce != nil {
			<-r.blockStatusOnce
		}

		return r.statusOut, "", 0, nil
	case "add":
		return "", "", 0, nil
	case "commit":
		return r.commitOut, "", 0, nil
	case "push":
		return r.pushOut, "", r.pushExitCode, nil
	default:
		return "", "", 0, nil
	}
}

func newOrchestrator(t *testing.T, runner backend.Runner) (*orchestrator.Orchestrator, *queue.Queue) {
	t.Helper()

	inv := backend.NewWithRunner(runner, logr.Discard())

	lockInv := backend.NewWithRunner(&scriptedRunner{}, logr.Discard())
	locks := lockservice.New(lockInv, "origin", t.TempDir(), time.Millisecond, lockservice.DefaultStaleThreshold, logr.Discard())

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	return orchestrator.New(inv, locks, q, logr.Discard()), q
}

func registerBundle(t *testing.T, o *orchestrator.Orchestrator, root string) {
	t.Helper()

	o.RegisterBundle(orchestrator.BundleConfig{
		Root:        root,
		ProjectPath: "proj",
		Remote:      "origin",
		Holder:      "alice@laptop",
	})
}

func TestCommit_Succeeds_WhenChangesPresent(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{statusOut: "take1.wav\n", commitOut: "commit: abc123\nauthor: alice\n"}
	o, _ := newOrchestrator(t, runner)
	registerBundle(t, o, "/bundle")

	outcome, err := o.Commit(context.Background(), "/bundle", orchestrator.Milestone, "final mix", nil)
	require.NoError(t, err)
	require.False(t, outcome.NoOp)
	require.True(t, outcome.Pushed)
	require.False(t, outcome.Queued)
	require.Equal(t, "abc123", outcome.Record.ID)
	require.Equal(t, "main", outcome.Branch)
}

func TestCommit_ReturnsNoOp_WhenClean(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{statusOut: ""}
	o, _ := newOrchestrator(t, runner)
	registerBundle(t, o, "/bundle")

	outcome, err := o.Commit(context.Background(), "/bundle", orchestrator.AutoSave, "", nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrNoOp))
	require.True(t, outcome.NoOp)
}

func TestCommit_QueuesDeferredPush_WhenPushFails(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{
		statusOut:    "take1.wav\n",
		commitOut:    "commit: abc123\nauthor: alice\n",
		pushExitCode: 1,
		pushOut:      "fatal: connection refused",
	}
	o, q := newOrchestrator(t, runner)
	registerBundle(t, o, "/bundle")

	outcome, err := o.Commit(context.Background(), "/bundle", orchestrator.AutoSave, "", nil)
	require.NoError(t, err, "local commit succeeding is not itself a failure")
	require.True(t, outcome.Queued)
	require.False(t, outcome.Pushed)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, queue.OpPushCommits, pending[0].Operation.Type)
}

func TestCommit_Blocked_WhenLockedByOtherHolder(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{statusOut: "take1.wav\n"}

	lockWorkDir := t.TempDir()
	lockInv := backend.NewWithRunner(&scriptedRunner{}, logr.Discard())
	locks := lockservice.New(lockInv, "origin", lockWorkDir, time.Millisecond, lockservice.DefaultStaleThreshold, logr.Discard())

	inv := backend.NewWithRunner(runner, logr.Discard())
	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	o := orchestrator.New(inv, locks, q, logr.Discard())
	o.RegisterBundle(orchestrator.BundleConfig{Root: "/bundle", ProjectPath: "proj", Remote: "origin", Holder: "alice@laptop"})

	now := time.Now().UTC()
	rec := lockservice.LockRecord{
		ID: "other-id", ProjectPath: "proj", Holder: "bob@desktop",
		AcquiredAt: now, ExpiresAt: now.Add(time.Hour), LastHeartbeat: now,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(lockWorkDir, "proj.json"), data, 0o644))

	_, err = o.Commit(context.Background(), "/bundle", orchestrator.AutoSave, "", nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrAlreadyLocked))
}

func TestCommit_FailsImmediately_WhenPaused(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{statusOut: "take1.wav\n"}
	o, _ := newOrchestrator(t, runner)
	registerBundle(t, o, "/bundle")

	require.NoError(t, o.Pause("/bundle"))

	_, err := o.Commit(context.Background(), "/bundle", orchestrator.AutoSave, "", nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrPaused))
	require.Zero(t, runner.statusCalls, "a paused bundle must never invoke the backend")
}

// Invariant 7 (spec §8): at most one commit per bundle runs at a time; a
// settle arriving mid-commit is remembered and re-triggers afterward
// instead of starting a concurrent second commit.
func TestOnSettled_ConcurrentSettle_IsRememberedNotDropped(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	runner := &scriptedRunner{
		statusOut:       "take1.wav\n",
		commitOut:       "commit: abc123\nauthor: alice\n",
		blockStatusOnce: release,
	}
	o, _ := newOrchestrator(t, runner)
	registerBundle(t, o, "/bundle")

	o.OnSettled("/bundle")

	require.Eventually(t, func() bool {
		state, err := o.StateOf("/bundle")
		return err == nil && state == orchestrator.Committing
	}, time.Second, time.Millisecond, "first settle should move the bundle into Committing")

	o.OnSettled("/bundle")

	state, err := o.StateOf("/bundle")
	require.NoError(t, err)
	require.Equal(t, orchestrator.Dirty, state, "second settle during a commit must be remembered as Dirty, not dropped")

	close(release)

	require.Eventually(t, func() bool {
		state, err := o.StateOf("/bundle")
		return err == nil && state == orchestrator.Idle
	}, time.Second, time.Millisecond, "bundle should return to Idle once the retriggered commit also completes")

	require.GreaterOrEqual(t, runner.statusCalls, 2, "the remembered settle must have caused a second commit attempt")
}
