package store

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// Invalidator runs a shell command after the port was persisted, typically
// "php artisan config:clear" so a cached configuration picks up the new
// value.
type Invalidator struct {
	// Command is passed to "sh -c" ("cmd /C" on Windows). Empty disables the hook.
	Command string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds extra KEY=value pairs added to the inherited environment.
	Env []string

	Logger *zap.Logger
}

// Run executes the command and waits for it. Output is captured and
// included in the error on failure.
func (i *Invalidator) Run(ctx context.Context) error {
	if i == nil || strings.TrimSpace(i.Command) == "" {
		return nil
	}

	cmd := shellCommand(ctx, i.Command)
	cmd.Dir = i.Dir
	cmd.Env = append(os.Environ(), i.Env...)

	logger := i.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("clearing configuration cache", zap.String("command", i.Command), zap.String("dir", i.Dir))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("cache invalidation %q failed: %s: %w", i.Command, strings.TrimSpace(string(output)), err)
	}
	return nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}
