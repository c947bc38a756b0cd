// This file implements the "ssrport check" command.
//
// The check command probes a single port and exits 0 when it can be bound,
// 2 otherwise. The reason a port is unavailable (in use, reserved, out of
// range, or a socket error such as permission denied) is printed.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/ssrport/internal/config"
	"github.com/shinji-kodama/ssrport/internal/model"
	"github.com/shinji-kodama/ssrport/internal/port"
)

// NewCheckCommand creates the "check" cobra command.
func NewCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <port>",
		Short: "Check whether a port is free",
		Long: `Check whether a single TCP port can be bound right now.

Exit status is 0 when the port is free and 2 when it is not.

Examples:
  ssrport check 13714
  ssrport check 13714 --host 0.0.0.0 --json`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(args[0])
			if err != nil {
				return model.WrapCLIError(model.ExitInvalidConfig, fmt.Sprintf("invalid port %q", args[0]), err)
			}
			return runCheck(cmd.Context(), cmd.OutOrStdout(), settings, p)
		},
	}

	cmd.Flags().String("host", port.DefaultHost, "Address to probe")
	cmd.Flags().IntSlice("reserve", nil, "Ports to report as reserved")
	return cmd
}

// checkResultJSON is the JSON output of the check command.
type checkResultJSON struct {
	Port      int    `json:"port"`
	Host      string `json:"host"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// runCheck probes one port and reports the outcome.
func runCheck(ctx context.Context, out io.Writer, cfg config.Config, p int) error {
	prober := port.NewProber(
		port.WithHost(cfg.Host),
		port.WithReserved(port.NewReservedSet(configReservedSource, cfg.Reserved...)),
		port.WithLogger(logger.Named("probe")),
	)

	probeErr := prober.Probe(ctx, p)
	result := checkResultJSON{
		Port:      p,
		Host:      prober.Host(),
		Available: probeErr == nil,
		Reason:    CheckReason(probeErr),
	}

	var err error
	if IsJSONOutput() {
		err = writeJSON(out, result)
	} else {
		err = printCheckText(out, result)
	}
	if err != nil {
		return err
	}

	if !result.Available {
		return &exitError{code: int(model.ExitPortUnavailable)}
	}
	return nil
}

func printCheckText(out io.Writer, r checkResultJSON) error {
	if r.Available {
		_, err := fmt.Fprintf(out, "port %d is available on %s\n", r.Port, r.Host)
		return err
	}
	_, err := fmt.Fprintf(out, "port %d is not available on %s: %s\n", r.Port, r.Host, r.Reason)
	return err
}

// CheckReason turns a Probe error into a short, stable reason string.
// It returns "" for a nil error.
//
// Examples:
//
//	model.ErrPortInUse        → "in use"
//	model.ErrPortReserved     → "reserved"
//	*model.ProbeIOError{...}  → "socket error: permission denied"
func CheckReason(err error) string {
	if err == nil {
		return ""
	}

	var ioErr *model.ProbeIOError
	switch {
	case errors.Is(err, model.ErrPortInUse):
		return "in use"
	case errors.Is(err, model.ErrPortReserved):
		return "reserved"
	case errors.Is(err, model.ErrPortOutOfRange):
		return "out of range"
	case errors.As(err, &ioErr):
		return "socket error: " + ioErr.Err.Error()
	default:
		return err.Error()
	}
}
