package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

// RestoreCmd returns the restore command.
func RestoreCmd(app *App) *Command {
	return &Command{
		Flags: flag.NewFlagSet("restore", flag.ContinueOnError),
		Usage: "restore <ref>",
		Short: "Reset the working tree to ref, discarding uncommitted changes",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execRestore(ctx, io, app, args)
		},
	}
}

func execRestore(ctx context.Context, io *IO, app *App, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("restore: <ref> is required")
	}

	if err := app.Inv.Restore(ctx, app.Cfg.RepoRoot, args[0]); err != nil {
		return fmt.Errorf("restoring to %s: %w", args[0], err)
	}

	io.Println("Restored working tree to", args[0])

	return nil
}
