package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

// AddCmd returns the add command.
func AddCmd(app *App) *Command {
	return &Command{
		Flags: flag.NewFlagSet("add", flag.ContinueOnError),
		Usage: "add [path...]",
		Short: "Stage paths for the next commit (all tracked paths if none given)",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execAdd(ctx, io, app, args)
		},
	}
}

func execAdd(ctx context.Context, io *IO, app *App, args []string) error {
	if err := app.Inv.Add(ctx, app.Cfg.RepoRoot, args...); err != nil {
		return fmt.Errorf("staging paths: %w", err)
	}

	if len(args) == 0 {
		io.Println("Staged all tracked paths")
	} else {
		io.Println("Staged", len(args), "path(s)")
	}

	return nil
}
