package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/netpolicy"
	"github.com/bvc-project/bvc/internal/queue"
)

// lockIDFile records the lock id this checkout currently holds, so release
// and renew don't require the caller to remember a UUID across shell
// invocations - a CLI-local convenience, not part of C6 itself.
const lockIDFile = ".bvc-lock-id"

// LockCmd returns the lock command, dispatching to its five verbs.
func LockCmd(app *App) *Command {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	timeoutHours := fs.Float64("timeout-hours", 0, "Override the default lock duration")
	force := fs.Bool("force", false, "Required by `lock break`")

	return &Command{
		Flags: fs,
		Usage: "lock <acquire|release|renew|status|break> [flags]",
		Short: "Coordinate exclusive write access to this bundle",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("lock: a verb is required (acquire|release|renew|status|break)")
			}

			verb := args[0]

			switch verb {
			case "acquire":
				return execLockAcquire(ctx, io, app, *timeoutHours)
			case "release":
				return execLockRelease(ctx, io, app)
			case "renew":
				return execLockRenew(ctx, io, app, *timeoutHours)
			case "status":
				return execLockStatus(ctx, io, app)
			case "break":
				return execLockBreak(ctx, io, app, *force)
			default:
				return fmt.Errorf("lock: unknown verb %q", verb)
			}
		},
	}
}

func lockIDPath(app *App) string {
	return filepath.Join(app.Cfg.RepoRoot, lockIDFile)
}

func holderIdentity(env map[string]string) (holder, machineID string) {
	user := env["USER"]
	if user == "" {
		user = "unknown"
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return user + "@" + host, host
}

// execLockAcquire implements the offline-queue half of spec.md §4.5: lock
// commands run a transparent sync_all first when the probe reports Online
// and the queue has pending work, and fall back to a priority-100 queue
// entry instead of blocking when the probe reports Offline.
func execLockAcquire(ctx context.Context, io *IO, app *App, timeoutHours float64) error {
	if timeoutHours <= 0 {
		timeoutHours = app.Cfg.Lock.DefaultTimeoutHours
	}

	autoSyncIfNeeded(ctx, io, app)

	if app.Probe != nil {
		if conn, _ := app.Probe.Probe(ctx); conn == netpolicy.Offline {
			id, err := app.Queue.EnqueueHighPriority(queue.Operation{
				Type:   queue.OpAcquireLock,
				Params: map[string]string{"project_path": app.Cfg.RepoRoot},
			})
			if err != nil {
				return fmt.Errorf("queuing lock acquire: %w", err)
			}

			io.Println("Queued:", id)
			io.WarnLLM("offline, lock acquire deferred to the queue",
				"run `bvc queue sync` (or `bvc lock status`) once connectivity is restored")

			return nil
		}
	}

	holder, machineID := holderIdentity(app.Env)

	rec, err := app.Locks.Acquire(ctx, app.Cfg.RepoRoot, holder, machineID, time.Duration(timeoutHours*float64(time.Hour)))
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}

	if err := os.WriteFile(lockIDPath(app), []byte(rec.ID), 0o644); err != nil {
		io.WarnLLM("lock acquired but id was not saved locally: "+err.Error(),
			"write the printed lock id to "+lockIDFile+" in the bundle root before `bvc lock release`")
	}

	io.Println("Lock acquired:", rec.ID)
	io.Println("Expires:", rec.ExpiresAt.Format(time.RFC3339))

	return nil
}

func readLockID(app *App) (string, error) {
	data, err := os.ReadFile(lockIDPath(app))
	if err != nil {
		return "", fmt.Errorf("no locally recorded lock id (%w); this checkout may not hold the lock", err)
	}

	return strings.TrimSpace(string(data)), nil
}

func execLockRelease(ctx context.Context, io *IO, app *App) error {
	lockID, err := readLockID(app)
	if err != nil {
		return err
	}

	if err := app.Locks.Release(ctx, app.Cfg.RepoRoot, lockID); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}

	_ = os.Remove(lockIDPath(app))

	io.Println("Lock released")

	return nil
}

func execLockRenew(ctx context.Context, io *IO, app *App, additionalHours float64) error {
	if additionalHours <= 0 {
		additionalHours = app.Cfg.Lock.DefaultTimeoutHours
	}

	lockID, err := readLockID(app)
	if err != nil {
		return err
	}

	rec, err := app.Locks.Renew(ctx, app.Cfg.RepoRoot, lockID, time.Duration(additionalHours*float64(time.Hour)))
	if err != nil {
		return fmt.Errorf("renewing lock: %w", err)
	}

	io.Println("Lock renewed, now expires:", rec.ExpiresAt.Format(time.RFC3339))

	return nil
}

// execLockStatus triggers the same auto-sync gate as lock acquire, so a
// `bvc lock status` poll after connectivity returns is what drains a
// priority-100 queue entry left behind by an earlier offline acquire.
func execLockStatus(ctx context.Context, io *IO, app *App) error {
	autoSyncIfNeeded(ctx, io, app)

	status, err := app.Locks.Status(ctx, app.Cfg.RepoRoot)
	if err != nil {
		return fmt.Errorf("reading lock status: %w", err)
	}

	io.Println("Status:", status.Kind.String())

	if status.Record != nil {
		io.Println("Holder:", status.Record.Holder)
		io.Println("Acquired:", status.Record.AcquiredAt.Format(time.RFC3339))
		io.Println("Expires:", status.Record.ExpiresAt.Format(time.RFC3339))
	}

	return nil
}

func execLockBreak(ctx context.Context, io *IO, app *App, force bool) error {
	if !force {
		return fmt.Errorf("lock break: %w (pass --force)", errs.ErrPermanent)
	}

	if err := app.Locks.Break(ctx, app.Cfg.RepoRoot, force); err != nil {
		return fmt.Errorf("breaking lock: %w", err)
	}

	_ = os.Remove(lockIDPath(app))

	io.Println("Lock broken")

	return nil
}
