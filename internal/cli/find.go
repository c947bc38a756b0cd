// This file implements the "ssrport find" command.
//
// The find command runs one bounded search starting at --start and prints
// the chosen port. With --persist the port is also written to a project
// configuration file, and --clear-cache runs a command afterwards so a
// cached configuration picks up the new value.

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/ssrport/internal/config"
	"github.com/shinji-kodama/ssrport/internal/model"
)

// NewFindCommand creates the "find" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewFindCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find a free port for the SSR server",
		Long: `Find the first free TCP port starting at --start.

Ports are tried one at a time, in ascending order, until a bind succeeds or
--attempts ports have been examined. When every port is taken, the "fail"
policy exits with status 3 and the "fallback" policy prints --start anyway.

Examples:
  ssrport find
  ssrport find --start 13714 --attempts 50 --policy fallback
  ssrport find --persist .env --key SSR_PORT --clear-cache "php artisan config:clear"
  ssrport find --avoid-docker --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runFind(cmd.Context(), cmd.OutOrStdout(), settings)
		},
	}

	addProbeFlags(cmd)
	return cmd
}

// runFind is the main logic function for the find command.
func runFind(ctx context.Context, out io.Writer, cfg config.Config) error {
	result, err := resolvePort(ctx, cfg)
	if err != nil {
		return err
	}
	return printFindResult(out, result, cfg.Persist)
}

// findResultJSON is the JSON output of the find command.
type findResultJSON struct {
	model.ProbeResult
	PersistedTo string `json:"persistedTo,omitempty"`
}

// printFindResult prints the bare port number in text mode, so the output
// can be captured with $(ssrport find), or the full result in JSON mode.
func printFindResult(out io.Writer, result model.ProbeResult, persistedTo string) error {
	if IsJSONOutput() {
		return writeJSON(out, findResultJSON{ProbeResult: result, PersistedTo: persistedTo})
	}
	_, err := fmt.Fprintln(out, result.Port)
	return err
}
