// Package cli implements the cobra-based CLI commands for ssrport.
//
// Each subcommand (check, find, exec, scan) is defined in its own file
// within this package. This file defines the root command that serves as
// the parent for all subcommands, loads the configuration and builds the
// logger before any subcommand runs.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shinji-kodama/ssrport/internal/config"
	"github.com/shinji-kodama/ssrport/internal/logging"
	"github.com/shinji-kodama/ssrport/internal/model"
	"github.com/shinji-kodama/ssrport/internal/ssr"
)

// Global state shared across all subcommands. NewRootCommand resets it,
// so every command tree starts from the defaults.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	jsonOutput bool

	// configPath is the explicit --config file. Empty means ssrport.* in
	// the working directory, if present.
	configPath string

	// v holds defaults, the config file, SSRPORT_* variables and the flags
	// of the command being run.
	v *viper.Viper

	// settings is the decoded configuration, filled in PersistentPreRunE.
	settings config.Config

	// logger writes diagnostics to stderr and, with --log-file, to a
	// rotating JSON file. It is a no-op until PersistentPreRunE runs.
	logger = zap.NewNop()
)

// Version, Commit and Date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// flagKeys maps flag names to configuration keys. Flags are bound to viper
// for the command being executed only, because the same flag name is
// registered on several subcommands and viper keeps one binding per key.
var flagKeys = map[string]string{
	"start":              config.KeyStartPort,
	"attempts":           config.KeyMaxAttempts,
	"policy":             config.KeyPolicy,
	"host":               config.KeyHost,
	"timeout":            config.KeyTimeout,
	"reserve":            config.KeyReserved,
	"avoid-docker":       config.KeyAvoidDocker,
	"avoid-devcontainer": config.KeyAvoidDevcon,
	"persist":            config.KeyPersist,
	"key":                config.KeyStoreKey,
	"clear-cache":        config.KeyClearCache,
	"env":                config.KeyEnv,
	"pass-listener":      config.KeyPassListen,
	"log-file":           config.KeyLogFile,
	"verbose":            config.KeyVerbose,
}

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
//
// The root command itself does not perform any action. It provides help
// text and global flags, and prepares configuration and logging for the
// subcommands.
func NewRootCommand() *cobra.Command {
	jsonOutput = false
	configPath = ""
	v = viper.New()
	settings = config.Config{}
	logger = zap.NewNop()

	rootCmd := &cobra.Command{
		Use:   "ssrport",
		Short: "Pick a free TCP port for the SSR server",
		Long: `ssrport finds a free TCP port on the loopback interface for a
server-side rendering process before that process binds it.

The search starts at 13714 and walks upwards one port at a time. The
chosen port can be written to .env (or a JSON, YAML or TOML file), and the
SSR command can be started with SSR_PORT set.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors automatically.
		// We format errors ourselves (text or JSON based on --json flag).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	// Malformed flag values are configuration errors, like bad config files.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return model.WrapCLIError(model.ExitInvalidConfig, "invalid flags", err)
	})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./ssrport.{yaml,json,toml} if present)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("log-file", "", "Also write JSON logs to this rotating file")

	rootCmd.AddCommand(NewCheckCommand())
	rootCmd.AddCommand(NewFindCommand())
	rootCmd.AddCommand(NewExecCommand())
	rootCmd.AddCommand(NewScanCommand())

	return rootCmd
}

// setup binds the running command's flags, loads the configuration and
// builds the logger.
func setup(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "failed to bind flag --"+name, err)
			}
		}
	}

	cfg, err := config.Load(v, configPath)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidConfig, "invalid configuration", err)
	}
	settings = cfg

	l, err := logging.NewLogger(logging.Options{
		Verbose: cfg.Verbose,
		File:    cfg.LogFile,
		Console: cmd.ErrOrStderr(),
	})
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open log file "+cfg.LogFile, err)
	}
	logger = l

	if f := v.ConfigFileUsed(); f != "" {
		logger.Debug("loaded config file", zap.String("path", f))
	}
	return nil
}

// exitError ends the process with a status code without printing anything,
// because the command has already reported its outcome.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command and exits with the resulting status code.
// This is the main entry point called from main.go.
//
// An interrupt cancels the command's context, which stops a running port
// search between two probes.
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, rootCmd)
	stop()
	os.Exit(code)
}

// run executes rootCmd and translates the returned error into an exit code,
// printing it in the format selected by --json.
func run(ctx context.Context, rootCmd *cobra.Command) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return int(model.ExitSuccess)
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}

	cliErr := classifyError(err)
	printError(rootCmd.ErrOrStderr(), cliErr)
	return int(cliErr.Code)
}

// classifyError maps domain errors onto exit codes. A *model.CLIError keeps
// its own code.
func classifyError(err error) *model.CLIError {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}

	switch {
	case errors.Is(err, model.ErrSearchExhausted):
		return model.NewCLIError(model.ExitSearchExhausted, err.Error())
	case errors.Is(err, ssr.ErrPersistFailed):
		return model.NewCLIError(model.ExitPersistFailed, err.Error())
	case errors.Is(err, model.ErrInvalidConfig):
		return model.NewCLIError(model.ExitInvalidConfig, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return model.WrapCLIError(model.ExitGeneralError, "port search timed out", err)
	case errors.Is(err, context.Canceled):
		return model.WrapCLIError(model.ExitGeneralError, "interrupted", err)
	default:
		return model.NewCLIError(model.ExitGeneralError, err.Error())
	}
}

// printError outputs an error in the appropriate format (JSON or text)
// based on the --json global flag. Errors always go to stderr because
// stdout is reserved for command output.
func printError(w io.Writer, cliErr *model.CLIError) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"message": cliErr.Message,
			"code":    int(cliErr.Code),
		}
		if cliErr.Err != nil {
			errObj["detail"] = cliErr.Err.Error()
		}
		data, _ := json.MarshalIndent(map[string]interface{}{"error": errObj}, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
		return
	}

	if cliErr.Err != nil {
		_, _ = fmt.Fprintf(w, "Error: %s: %v\n", cliErr.Message, cliErr.Err)
	} else {
		_, _ = fmt.Fprintf(w, "Error: %s\n", cliErr.Message)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// writeJSON prints value as indented JSON followed by a newline.
func writeJSON(w io.Writer, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
