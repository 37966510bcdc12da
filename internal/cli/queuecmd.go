package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/queue"
)

// QueueCmd returns the queue command, dispatching to its verbs.
func QueueCmd(app *App) *Command {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "queue <status|sync|clear|remove> [id]",
		Short: "Inspect and drain the offline operation queue",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("queue: a verb is required (status|sync|clear|remove)")
			}

			verb, rest := args[0], args[1:]

			switch verb {
			case "status":
				return execQueueStatus(io, app)
			case "sync":
				return execQueueSync(ctx, io, app)
			case "clear":
				return execQueueClear(io, app)
			case "remove":
				return execQueueRemove(io, app, rest)
			default:
				return fmt.Errorf("queue: unknown verb %q", verb)
			}
		},
	}
}

func execQueueStatus(io *IO, app *App) error {
	stats, err := app.Queue.Stats()
	if err != nil {
		return fmt.Errorf("reading queue stats: %w", err)
	}

	io.Println("Total:", stats.Total)
	io.Println("Pending:", stats.Pending)
	io.Println("Completed:", stats.Completed)

	if stats.Pending > 0 {
		io.Println("Oldest pending age:", stats.OldestPendingAge)
	}

	return nil
}

// dispatchOperation wires a queued entry to the real collaborator that
// performs it: the lock service for lock verbs, the backend invoker
// directly for push/pull (sync_comments is not yet backed by a transport
// and is reported unsupported, which SyncAll treats as a permanent,
// isolated failure).
func dispatchOperation(app *App) queue.Dispatch {
	defaultTimeout := time.Duration(app.Cfg.Lock.DefaultTimeoutHours * float64(time.Hour))

	return func(ctx context.Context, entry queue.QueueEntry) error {
		p := entry.Operation.Params

		switch entry.Operation.Type {
		case queue.OpPushCommits:
			return app.Inv.Push(ctx, p["root"], p["remote"], p["branch"])
		case queue.OpPullCommits:
			return app.Inv.Pull(ctx, p["root"], p["remote"], p["branch"])
		case queue.OpAcquireLock:
			holder, machineID := holderIdentity(app.Env)
			_, err := app.Locks.Acquire(ctx, p["project_path"], holder, machineID, defaultTimeout)
			return err
		case queue.OpReleaseLock:
			return app.Locks.Release(ctx, p["project_path"], p["lock_id"])
		case queue.OpRenewLock:
			return app.Locks.Renew(ctx, p["project_path"], p["lock_id"], defaultTimeout)
		default:
			return fmt.Errorf("%w: %s", errs.ErrUnsupportedOperation, entry.Operation.Type)
		}
	}
}

func execQueueSync(ctx context.Context, io *IO, app *App) error {
	stats, err := app.Queue.Stats()
	if err != nil {
		return fmt.Errorf("reading queue stats: %w", err)
	}

	bar := progressbar.Default(int64(stats.Pending), "syncing queue")
	base := dispatchOperation(app)
	dispatch := func(ctx context.Context, entry queue.QueueEntry) error {
		err := base(ctx, entry)
		_ = bar.Add(1)

		return err
	}

	report, err := app.Queue.SyncAll(ctx, dispatch)
	_ = bar.Finish()

	if err != nil {
		return fmt.Errorf("syncing queue: %w", err)
	}

	io.Println("Total:", report.Total)
	io.Println("Succeeded:", len(report.Succeeded))
	io.Println("Failed:", len(report.Failed))

	for _, f := range report.Failed {
		io.Println(" ", f.ID, "-", f.Err)
	}

	return nil
}

func execQueueClear(io *IO, app *App) error {
	n, err := app.Queue.ClearCompleted()
	if err != nil {
		return fmt.Errorf("clearing completed entries: %w", err)
	}

	io.Println("Removed", n, "completed entries")

	return nil
}

func execQueueRemove(io *IO, app *App, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("queue remove: <id> is required")
	}

	if err := app.Queue.Remove(args[0]); err != nil {
		return fmt.Errorf("removing entry: %w", err)
	}

	io.Println("Removed", args[0])

	return nil
}
