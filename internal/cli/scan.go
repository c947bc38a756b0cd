// This file implements the "ssrport scan" command.
//
// The scan command lists the ports in the search window that a search
// would currently skip, which helps explain why find picked the port it did.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/ssrport/internal/config"
	"github.com/shinji-kodama/ssrport/internal/model"
	"github.com/shinji-kodama/ssrport/internal/port"
)

// NewScanCommand creates the "scan" cobra command.
func NewScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List the unavailable ports in the search window",
		Long: `Probe every port from --start over --attempts ports and list the
ones that cannot be used, with the reason.

Examples:
  ssrport scan
  ssrport scan --start 3000 --attempts 20 --avoid-docker --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), cmd.OutOrStdout(), settings)
		},
	}

	f := cmd.Flags()
	f.Int("start", model.DefaultStartPort, "First port to scan")
	f.Int("attempts", model.DefaultMaxAttempts, "Number of ports to scan")
	f.String("host", port.DefaultHost, "Address to probe")
	f.IntSlice("reserve", nil, "Ports to report as reserved")
	f.Bool("avoid-docker", false, "Also report host ports published by Docker containers")
	f.Bool("avoid-devcontainer", false, "Also report ports claimed by ./.devcontainer/devcontainer.json")
	return cmd
}

// usedPortJSON describes one unavailable port.
type usedPortJSON struct {
	Port   int    `json:"port"`
	Reason string `json:"reason"`
}

// runScan probes the window and prints the unavailable ports.
func runScan(ctx context.Context, out io.Writer, cfg config.Config) error {
	probeCfg, err := cfg.ProbeConfig()
	if err != nil {
		return err
	}

	reserved := buildReserved(ctx, cfg)
	prober := newProber(cfg, probeCfg.Policy, reserved)

	used := prober.UsedPorts(ctx, probeCfg.StartPort, probeCfg.LastCandidate())
	if err := ctx.Err(); err != nil {
		return err
	}

	entries := make([]usedPortJSON, 0, len(used))
	for _, u := range used {
		entries = append(entries, usedPortJSON{Port: u.Port, Reason: ScanReason(reserved, u)})
	}

	if IsJSONOutput() {
		return writeJSON(out, map[string]interface{}{
			"startPort": probeCfg.StartPort,
			"endPort":   probeCfg.LastCandidate(),
			"used":      entries,
		})
	}
	return printScanText(out, probeCfg, entries)
}

// ScanReason explains why a port was reported. Reserved ports name the
// source of the reservation; every other port uses the reason check prints.
func ScanReason(reserved *port.ReservedSet, used port.UsedPort) string {
	if errors.Is(used.Err, model.ErrPortReserved) {
		if source := reserved.Source(used.Port); source != "" {
			return "reserved (" + source + ")"
		}
	}
	return CheckReason(used.Err)
}

// printScanText prints the scan result as an aligned table.
//
//	PORT   REASON
//	13714  in use
//	13716  reserved (docker)
//	13717  socket error: permission denied
func printScanText(out io.Writer, cfg model.ProbeConfig, entries []usedPortJSON) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintf(out, "All ports from %d to %d are available.\n", cfg.StartPort, cfg.LastCandidate())
		return err
	}

	if _, err := fmt.Fprintf(out, "%-6s %s\n", "PORT", "REASON"); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(out, "%-6d %s\n", e.Port, e.Reason); err != nil {
			return err
		}
	}
	return nil
}
