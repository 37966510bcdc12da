package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

// LogCmd returns the log command.
func LogCmd(app *App) *Command {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Maximum number of commits to show (0 = no limit)")

	return &Command{
		Flags: fs,
		Usage: "log [flags]",
		Short: "Show commit history on the current branch",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execLog(ctx, io, app, *limit)
		},
	}
}

func execLog(ctx context.Context, io *IO, app *App, limit int) error {
	records, err := app.Inv.Log(ctx, app.Cfg.RepoRoot, limit)
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}

	if len(records) == 0 {
		io.Println("No commits yet")
		return nil
	}

	for _, rec := range records {
		io.Printf("commit %s\n", rec.ID)
		io.Printf("  author:    %s\n", rec.Author)
		io.Printf("  branch:    %s\n", rec.Branch)
		io.Printf("  timestamp: %s\n", rec.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		io.Printf("  message:   %s\n", rec.Message)
		io.Println()
	}

	return nil
}
