package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

// StatusCmd returns the status command.
func StatusCmd(app *App) *Command {
	return &Command{
		Flags: flag.NewFlagSet("status", flag.ContinueOnError),
		Usage: "status",
		Short: "Show changed paths in the working tree",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execStatus(ctx, io, app)
		},
	}
}

func execStatus(ctx context.Context, io *IO, app *App) error {
	result, err := app.Inv.Status(ctx, app.Cfg.RepoRoot)
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	if app.Probe != nil {
		conn, breakerState := app.Probe.Probe(ctx)
		io.Println("Connectivity:", conn.String(), fmt.Sprintf("(breaker: %s)", breakerState.String()))
	}

	if result.Clean {
		io.Println("Clean, nothing to commit")
		return nil
	}

	io.Println("Changed paths:")

	for _, p := range result.Changed {
		io.Println(" ", p)
	}

	return nil
}
