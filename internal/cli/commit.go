package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/orchestrator"
	"github.com/bvc-project/bvc/internal/project"
)

// CommitCmd returns the commit command.
func CommitCmd(app *App) *Command {
	fs := flag.NewFlagSet("commit", flag.ContinueOnError)
	message := fs.StringP("message", "m", "", "Commit message (required)")
	milestone := fs.Bool("milestone", false, "Commit to main instead of draft")

	return &Command{
		Flags: fs,
		Usage: "commit -m <message> [flags]",
		Short: "Record a manual commit, stamping kind-specific metadata",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execCommit(ctx, io, app, *message, *milestone)
		},
	}
}

// execCommit is a push command in spec.md §4.5 terms, so it opens with the
// same auto-sync gate as lock acquire, then funnels the actual commit
// through C8's Commit - the same seven-step procedure (§4.8) the auto-save
// watcher uses, so a manual commit respects C6 lock ownership (step 1) and
// defers a failed push to the operation queue (step 7) instead of just
// warning about it.
func execCommit(ctx context.Context, io *IO, app *App, message string, milestone bool) error {
	if message == "" {
		return fmt.Errorf("commit: -m/--message is required")
	}

	autoSyncIfNeeded(ctx, io, app)

	root := app.Cfg.RepoRoot

	kind, err := app.Registry.Detect(root)
	if err != nil && !errs.Is(err, errs.ErrNotABundle) {
		return fmt.Errorf("detecting project kind: %w", err)
	}

	if kind == "" {
		kind = project.KindGeneric
	}

	meta, err := app.Registry.ExtractMetadata(root, kind)
	if err != nil {
		return fmt.Errorf("extracting metadata: %w", err)
	}

	ctype := orchestrator.Manual
	if milestone {
		ctype = orchestrator.Milestone
	}

	outcome, err := app.Orch.Commit(ctx, root, ctype, message, &meta)
	if err != nil {
		switch {
		case errs.Is(err, errs.ErrNoOp):
			io.Println("Clean, nothing to commit")
			return nil
		case errs.Is(err, errs.ErrAlreadyLocked):
			return fmt.Errorf("commit: %w", err)
		default:
			return fmt.Errorf("committing: %w", err)
		}
	}

	io.Println("Committed", outcome.Record.ID, "on", outcome.Branch)

	switch {
	case outcome.Pushed:
		io.Println("Pushed to", app.Cfg.Remote)
	case outcome.Queued:
		io.WarnLLM("push failed, deferred to the offline queue", "run `bvc queue sync` once connectivity is restored")
	}

	return nil
}
