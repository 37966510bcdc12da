// Package queue implements C5: a persistent, priority-ordered operation
// queue that survives offline periods and process restarts.
//
// Storage and locking discipline are grounded on the teacher's internal/fs
// package: one JSON document per entry, atomic writes, a flock-guarded
// critical section around the dequeue cycle.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bvc-project/bvc/internal/errs"
	bvcfs "github.com/bvc-project/bvc/internal/fs"
	"github.com/bvc-project/bvc/internal/netpolicy"
)

// OperationType enumerates the queued operation variants of spec.md §3.
type OperationType string

const (
	OpAcquireLock  OperationType = "acquire_lock"
	OpReleaseLock  OperationType = "release_lock"
	OpRenewLock    OperationType = "renew_lock"
	OpPushCommits  OperationType = "push_commits"
	OpPullCommits  OperationType = "pull_commits"
	OpSyncComments OperationType = "sync_comments"
)

// LockOpPriority is the elevated priority lock operations receive
// (spec.md §3: "lock operations 100").
const LockOpPriority = 100

// Operation is the tagged-union payload of a QueueEntry.
type Operation struct {
	Type   OperationType     `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// QueueEntry mirrors spec.md §3/§6.
type QueueEntry struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	QueuedAt  time.Time `json:"queued_at"`
	Attempts  int       `json:"attempts"`
	Priority  int       `json:"priority"`
	Completed bool      `json:"completed"`
}

// SyncReport is the result of one sync_all pass (spec.md §4.5).
type SyncReport struct {
	Total     int
	Succeeded []string
	Failed    []FailedEntry
}

// FailedEntry pairs an entry id with the error that kept it pending.
type FailedEntry struct {
	ID  string
	Err error
}

// Stats summarizes the queue for `bvc queue status`.
type Stats struct {
	Total            int
	Pending          int
	Completed        int
	OldestPendingAge time.Duration
}

// Dispatch executes one entry's real operation. The CLI's dispatchOperation
// wires this to C6 for lock ops and to C1 for push/pull; bvcd's periodic
// drain handles push/pull only. Returning errs.ErrUnsupportedOperation
// marks the entry Permanent without touching any other entry (boundary
// behavior: "operation type no longer supported").
type Dispatch func(ctx context.Context, entry QueueEntry) error

var (
	queueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bvc_queue_depth",
		Help: "Number of pending entries in the operation queue.",
	}, []string{"dir"})

	syncOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bvc_queue_sync_outcomes_total",
		Help: "Outcomes of queue sync attempts by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(queueDepthGauge, syncOutcomeCounter)
}

// Queue is C5.
type Queue struct {
	dir      string
	mu       sync.Mutex
	locker   *bvcfs.Locker
	lockPath string
}

// New opens (creating if needed) the queue directory dir.
func New(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrapf(err, "queue: creating directory %s", dir)
	}

	return &Queue{
		dir:      dir,
		locker:   bvcfs.NewLocker(bvcfs.NewReal()),
		lockPath: filepath.Join(dir, ".queue.lock"),
	}, nil
}

func (q *Queue) entryPath(id string) string {
	return filepath.Join(q.dir, id+".json")
}

// Enqueue durably persists op at default priority 0 and returns its id.
func (q *Queue) Enqueue(op Operation) (string, error) {
	return q.enqueue(op, 0)
}

// EnqueueHighPriority persists op at lock-operation priority (100).
func (q *Queue) EnqueueHighPriority(op Operation) (string, error) {
	return q.enqueue(op, LockOpPriority)
}

func (q *Queue) enqueue(op Operation, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := QueueEntry{
		ID:        uuid.NewString(),
		Operation: op,
		QueuedAt:  time.Now().UTC(),
		Priority:  priority,
	}

	if err := q.writeEntry(entry); err != nil {
		return "", err
	}

	q.refreshDepthGauge()

	return entry.ID, nil
}

func (q *Queue) writeEntry(entry QueueEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errs.Wrap(err, "queue: marshaling entry")
	}

	if err := atomic.WriteFile(q.entryPath(entry.ID), bytes.NewReader(data)); err != nil {
		return errs.Wrapf(err, "queue: writing entry %s", entry.ID)
	}

	return nil
}

// load scans the queue directory for every entry file.
func (q *Queue) load() ([]QueueEntry, error) {
	dirEntries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, errs.Wrapf(err, "queue: reading directory %s", q.dir)
	}

	var entries []QueueEntry

	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(q.dir, de.Name()))
		if err != nil {
			return nil, errs.Wrapf(err, "queue: reading entry file %s", de.Name())
		}

		var entry QueueEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, errs.Wrapf(err, "queue: decoding entry file %s", de.Name())
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// orderEntries sorts in the queue's canonical (priority desc, queued_at
// asc) order, the invariant checked by spec.md §8 invariant 4.
func orderEntries(entries []QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}

		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
}

// Pending returns every non-completed entry in dispatch order.
func (q *Queue) Pending() ([]QueueEntry, error) {
	entries, err := q.load()
	if err != nil {
		return nil, err
	}

	var pending []QueueEntry

	for _, e := range entries {
		if !e.Completed {
			pending = append(pending, e)
		}
	}

	orderEntries(pending)

	return pending, nil
}

// Stats summarizes the queue, surfacing the oldest pending entry's age
// instead of a maximum-age cutoff (SPEC_FULL §4.5 Open Question decision).
func (q *Queue) Stats() (Stats, error) {
	entries, err := q.load()
	if err != nil {
		return Stats{}, err
	}

	s := Stats{Total: len(entries)}

	var oldest time.Time

	for _, e := range entries {
		if e.Completed {
			s.Completed++
			continue
		}

		s.Pending++

		if oldest.IsZero() || e.QueuedAt.Before(oldest) {
			oldest = e.QueuedAt
		}
	}

	if !oldest.IsZero() {
		s.OldestPendingAge = time.Since(oldest)
	}

	return s, nil
}

// Remove deletes entry id unconditionally.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.Remove(q.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return errs.Wrapf(err, "queue: removing entry %s", id)
	}

	q.refreshDepthGauge()

	return nil
}

// ClearCompleted deletes every entry marked Completed and returns the
// count removed.
func (q *Queue) ClearCompleted() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load()
	if err != nil {
		return 0, err
	}

	count := 0

	for _, e := range entries {
		if !e.Completed {
			continue
		}

		if err := os.Remove(q.entryPath(e.ID)); err != nil && !os.IsNotExist(err) {
			return count, errs.Wrapf(err, "queue: removing completed entry %s", e.ID)
		}

		count++
	}

	return count, nil
}

// SyncAll dispatches every pending entry in canonical order via dispatch.
// On success the entry is marked Completed; on Transient failure the
// attempt count increments and the entry stays pending; on Permanent
// failure the entry is recorded in Failed but left pending too - the user
// must decide (spec.md §4.5).
func (q *Queue) SyncAll(ctx context.Context, dispatch Dispatch) (SyncReport, error) {
	lock, err := q.locker.LockWithTimeout(q.lockPath, 30*time.Second)
	if err != nil {
		return SyncReport{}, errs.Wrap(err, "queue: acquiring sync lock")
	}
	defer lock.Close()

	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.Pending()
	if err != nil {
		return SyncReport{}, err
	}

	report := SyncReport{Total: len(pending)}

	for _, entry := range pending {
		err := dispatch(ctx, entry)
		if err == nil {
			entry.Completed = true

			if writeErr := q.writeEntry(entry); writeErr != nil {
				return report, writeErr
			}

			report.Succeeded = append(report.Succeeded, entry.ID)
			syncOutcomeCounter.WithLabelValues("succeeded").Inc()

			continue
		}

		class := netpolicy.Classify(err)
		if class != netpolicy.ClassPermanent {
			entry.Attempts++

			if writeErr := q.writeEntry(entry); writeErr != nil {
				return report, writeErr
			}
		}

		report.Failed = append(report.Failed, FailedEntry{ID: entry.ID, Err: err})
		syncOutcomeCounter.WithLabelValues(class.String()).Inc()
	}

	q.refreshDepthGauge()

	return report, nil
}

func (q *Queue) refreshDepthGauge() {
	pending, err := q.Pending()
	if err != nil {
		return
	}

	queueDepthGauge.WithLabelValues(q.dir).Set(float64(len(pending)))
}
