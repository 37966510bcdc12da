package cli

import (
	"context"
	"encoding/json"
	"fmt"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the config command.
func PrintConfigCmd(app *App) *Command {
	return &Command{
		Flags: flag.NewFlagSet("config", flag.ContinueOnError),
		Usage: "config",
		Short: "Print the fully resolved configuration as JSON",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execPrintConfig(io, app)
		},
	}
}

func execPrintConfig(io *IO, app *App) error {
	data, err := json.MarshalIndent(app.Cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	io.Printf("%s\n", data)

	return nil
}
