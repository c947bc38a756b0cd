// This file implements the "ssrport exec" command.
//
// The exec command resolves a port exactly like find and then starts the
// given command with the port in its environment, replacing the polling
// loop a startup script would otherwise need. The child's exit status
// becomes ssrport's exit status.
//
// With --pass-listener the port is bound here and the socket is inherited
// by the child as file descriptor 3 (SSR_LISTEN_FD=3), so no other process
// can take the port between the search and the child's startup. A Node
// server accepts it with server.listen({ fd: 3 }).

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/ssrport/internal/config"
	"github.com/shinji-kodama/ssrport/internal/model"
)

// childWaitDelay is how long an interrupted child gets to shut down before
// it is killed.
const childWaitDelay = 10 * time.Second

const (
	// listenFDEnv tells the child which descriptor holds the listener.
	listenFDEnv = "SSR_LISTEN_FD"

	// listenFD is the first descriptor after stdin, stdout and stderr,
	// where exec.Cmd places ExtraFiles[0].
	listenFD = 3
)

// envNameRegex matches names a POSIX shell accepts as variables.
var envNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewExecCommand creates the "exec" cobra command.
func NewExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run a command with a free port in its environment",
		Long: `Find a free port, then run the command with SSR_PORT (or --env)
set to it. Flags after the command name are passed to the command.

Examples:
  ssrport exec -- node bootstrap/ssr/ssr.js
  ssrport exec --persist .env -- php artisan inertia:start-ssr
  ssrport exec --env VITE_SSR_PORT --policy fallback -- npm run ssr
  ssrport exec --pass-listener -- node server.js`,

		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), execIO{
				stdin:  cmd.InOrStdin(),
				stdout: cmd.OutOrStdout(),
				stderr: cmd.ErrOrStderr(),
			}, settings, args)
		},
	}

	// Everything after the first positional argument belongs to the child.
	cmd.Flags().SetInterspersed(false)

	addProbeFlags(cmd)
	cmd.Flags().String("env", config.DefaultKey, "Environment variable that receives the port")
	cmd.Flags().Bool("pass-listener", false, "Bind the port and hand the socket to the command as fd 3 ("+listenFDEnv+")")
	return cmd
}

// execIO carries the standard streams handed to the child process.
type execIO struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// runExec resolves a port and runs args[0] with args[1:].
func runExec(ctx context.Context, streams execIO, cfg config.Config, args []string) error {
	if !envNameRegex.MatchString(cfg.Env) {
		return model.NewCLIError(model.ExitInvalidConfig, fmt.Sprintf("invalid environment variable name %q", cfg.Env))
	}

	child := exec.CommandContext(ctx, args[0], args[1:]...)
	var port int
	if cfg.PassListener {
		file, result, err := listenerFile(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = file.Close() }()
		port = result.Port
		child.ExtraFiles = []*os.File{file}
		child.Env = ChildEnv(ChildEnv(os.Environ(), cfg.Env, port), listenFDEnv, listenFD)
	} else {
		result, err := resolvePort(ctx, cfg)
		if err != nil {
			return err
		}
		port = result.Port
		child.Env = ChildEnv(os.Environ(), cfg.Env, port)
	}

	child.Stdin = streams.stdin
	child.Stdout = streams.stdout
	child.Stderr = streams.stderr
	child.Cancel = func() error {
		return child.Process.Signal(os.Interrupt)
	}
	child.WaitDelay = childWaitDelay

	logger.Info("starting command",
		zap.String("command", args[0]),
		zap.String("env", cfg.Env),
		zap.Int("port", port),
		zap.Bool("pass_listener", cfg.PassListener))

	if err := child.Start(); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("command %q failed", args[0]), err)
	}
	// The child holds its own copy of the socket now.
	for _, f := range child.ExtraFiles {
		_ = f.Close()
	}

	if err := child.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return &exitError{code: exitErr.ExitCode()}
		}
		return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("command %q failed", args[0]), err)
	}
	return nil
}

// listenerFile binds the port and returns a duplicate of the socket that
// a child process can inherit. The original listener is closed.
func listenerFile(ctx context.Context, cfg config.Config) (*os.File, model.ProbeResult, error) {
	if runtime.GOOS == "windows" {
		return nil, model.ProbeResult{}, model.NewCLIError(model.ExitInvalidConfig,
			"--pass-listener is not supported on Windows")
	}

	ln, result, err := listenPort(ctx, cfg)
	if err != nil {
		return nil, result, err
	}
	defer func() { _ = ln.Close() }()

	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, result, fmt.Errorf("listener on port %d cannot be passed to a child process", result.Port)
	}
	file, err := tcp.File()
	if err != nil {
		return nil, result, fmt.Errorf("duplicate listener on port %d: %w", result.Port, err)
	}
	return file, result, nil
}

// ChildEnv returns environ with name set to port. Earlier assignments of
// name are dropped so the child sees exactly one value.
func ChildEnv(environ []string, name string, port int) []string {
	prefix := name + "="
	env := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		env = append(env, kv)
	}
	return append(env, prefix+strconv.Itoa(port))
}
