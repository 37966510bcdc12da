package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/project"
)

// InitCmd returns the init command.
func InitCmd(app *App) *Command {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	kindFlag := fs.String("kind", "", "Force a project kind instead of auto-detecting")

	return &Command{
		Flags: fs,
		Usage: "init [dir] [flags]",
		Short: "Detect the bundle's kind and initialize backend tracking",
		Long: `Detect the project bundle's kind (or use --kind to force one), generate
its .bvcignore, and initialize the backend repository with draft and main
branches.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execInit(ctx, io, app, args, *kindFlag)
		},
	}
}

func execInit(ctx context.Context, io *IO, app *App, args []string, kindOverride string) error {
	root := app.Cfg.RepoRoot
	if len(args) > 0 {
		root = args[0]
	}

	kind := project.Kind(kindOverride)
	if kind == "" {
		detected, err := app.Registry.Detect(root)
		if err != nil {
			if !errs.Is(err, errs.ErrNotABundle) {
				return err
			}

			kind = project.KindGeneric
		} else {
			kind = detected
		}
	}

	if err := app.Inv.Init(ctx, root); err != nil {
		return fmt.Errorf("initializing backend repository: %w", err)
	}

	if err := app.Registry.WriteIgnoreFile(root, kind); err != nil {
		return fmt.Errorf("writing ignore file: %w", err)
	}

	if err := app.Inv.BranchCreate(ctx, root, "draft", ""); err != nil {
		return fmt.Errorf("creating draft branch: %w", err)
	}

	if err := app.Locks.EnsureLocksBranch(ctx); err != nil {
		return fmt.Errorf("creating locks branch: %w", err)
	}

	io.Println("Initialized bvc bundle at", root)
	io.Println("Kind:", string(kind))
	io.Println("Tracked paths:", app.Registry.TrackedPaths(kind))

	return nil
}
