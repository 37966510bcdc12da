package cli

import (
	"context"

	"github.com/bvc-project/bvc/internal/netpolicy"
)

// autoSyncIfNeeded implements spec.md §4.5's auto-sync: lock and push
// commands invoke sync_all transparently at the start of the command when
// the connectivity probe reports Online and the queue has pending entries.
// Failures are surfaced as a warning, not an error - the command the user
// actually asked for still runs.
func autoSyncIfNeeded(ctx context.Context, io *IO, app *App) {
	if app.Probe == nil {
		return
	}

	if conn, _ := app.Probe.Probe(ctx); conn != netpolicy.Online {
		return
	}

	stats, err := app.Queue.Stats()
	if err != nil || stats.Pending == 0 {
		return
	}

	report, err := app.Queue.SyncAll(ctx, dispatchOperation(app))
	if err != nil {
		io.WarnLLM("auto-sync failed: "+err.Error(), "run `bvc queue sync` manually")
		return
	}

	io.Println("Auto-synced", len(report.Succeeded), "of", report.Total, "queued operations")

	if len(report.Failed) > 0 {
		io.WarnLLM("auto-sync left entries failed", "run `bvc queue sync` to retry")
	}
}
