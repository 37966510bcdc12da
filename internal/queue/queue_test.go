package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/queue"
)

// Invariant 4 (spec §8): pending entries dispatch in (priority desc,
// queued_at asc) order regardless of enqueue order.
func Test_Pending_OrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	lowID, err := q.Enqueue(queue.Operation{Type: queue.OpPushCommits})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	highID, err := q.EnqueueHighPriority(queue.Operation{Type: queue.OpAcquireLock})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	secondLowID, err := q.Enqueue(queue.Operation{Type: queue.OpPullCommits})
	require.NoError(t, err)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)

	require.Equal(t, highID, pending[0].ID, "high priority entry must dispatch first")
	require.Equal(t, lowID, pending[1].ID, "older same-priority entry dispatches before newer")
	require.Equal(t, secondLowID, pending[2].ID)
}

func Test_SyncAll_MarksSuccessesCompleted(t *testing.T) {
	t.Parallel()

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	_, err = q.Enqueue(queue.Operation{Type: queue.OpPushCommits})
	require.NoError(t, err)

	report, err := q.SyncAll(context.Background(), func(ctx context.Context, e queue.QueueEntry) error {
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Total)
	require.Len(t, report.Succeeded, 1)
	require.Empty(t, report.Failed)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

// Boundary behavior: an entry whose operation type the dispatcher no longer
// supports is classified Permanent and left alone; it must not block other
// entries from syncing.
func Test_SyncAll_UnsupportedOperation_IsPermanentAndIsolated(t *testing.T) {
	t.Parallel()

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	badID, err := q.Enqueue(queue.Operation{Type: "retired_operation"})
	require.NoError(t, err)

	goodID, err := q.Enqueue(queue.Operation{Type: queue.OpPushCommits})
	require.NoError(t, err)

	report, err := q.SyncAll(context.Background(), func(ctx context.Context, e queue.QueueEntry) error {
		if e.Operation.Type == "retired_operation" {
			return errs.Wrap(errs.ErrUnsupportedOperation, "no dispatcher registered")
		}

		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []string{goodID}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	require.Equal(t, badID, report.Failed[0].ID)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, badID, pending[0].ID)

	entryAttempts := pending[0].Attempts
	require.Zero(t, entryAttempts, "permanent failures must not accrue retry attempts")
}

func Test_SyncAll_TransientFailure_IncrementsAttemptsAndStaysPending(t *testing.T) {
	t.Parallel()

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	id, err := q.Enqueue(queue.Operation{Type: queue.OpPushCommits})
	require.NoError(t, err)

	_, err = q.SyncAll(context.Background(), func(ctx context.Context, e queue.QueueEntry) error {
		return errs.Wrap(errs.ErrTransient, "network blip")
	})
	require.NoError(t, err)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)
	require.Equal(t, 1, pending[0].Attempts)
}

func Test_Stats_ReportsOldestPendingAge(t *testing.T) {
	t.Parallel()

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	_, err = q.Enqueue(queue.Operation{Type: queue.OpPushCommits})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	stats, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 0, stats.Completed)
	require.Greater(t, stats.OldestPendingAge, time.Duration(0))
}

func Test_Remove_DeletesEntryUnconditionally(t *testing.T) {
	t.Parallel()

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	id, err := q.Enqueue(queue.Operation{Type: queue.OpPushCommits})
	require.NoError(t, err)

	require.NoError(t, q.Remove(id))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)

	// Removing an already-removed id is not an error.
	require.NoError(t, q.Remove(id))
}

func Test_ClearCompleted_OnlyRemovesCompletedEntries(t *testing.T) {
	t.Parallel()

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)

	_, err = q.Enqueue(queue.Operation{Type: queue.OpPushCommits})
	require.NoError(t, err)

	stillPendingID, err := q.Enqueue(queue.Operation{Type: queue.OpPullCommits})
	require.NoError(t, err)

	_, err = q.SyncAll(context.Background(), func(ctx context.Context, e queue.QueueEntry) error {
		if e.ID == stillPendingID {
			return errs.Wrap(errs.ErrTransient, "still offline")
		}

		return nil
	})
	require.NoError(t, err)

	n, err := q.ClearCompleted()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, stillPendingID, pending[0].ID)
}
