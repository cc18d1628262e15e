// Package localexec runs function entry points as local subprocesses,
// restricted to executables inside the configured roots.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/fnbox/internal/bundle"
	"github.com/fentz26/fnbox/internal/connectors"
)

// killGrace bounds how long Wait may block on inherited pipes after the
// process group was killed.
const killGrace = 2 * time.Second

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	roots []string
}

// New creates a LocalExec that only runs commands located under roots.
func New(roots ...string) *LocalExec {
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		if abs, err := filepath.Abs(r); err == nil {
			clean = append(clean, filepath.Clean(abs))
		}
	}
	return &LocalExec{roots: clean}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks that the command and its script argument live under one
// of the allowed roots.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	if !filepath.IsAbs(cmd) || !l.within(cmd) {
		return false
	}
	if len(args) == 0 {
		return false
	}
	return filepath.IsAbs(args[0]) && l.within(args[0])
}

func (l *LocalExec) within(path string) bool {
	for _, root := range l.roots {
		if bundle.IsWithin(path, root) {
			return true
		}
	}
	return false
}

// Execute runs a command if it's allowed.
func (l *LocalExec) Execute(ctx context.Context, dir string, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	execCmd.Dir = dir
	configureProc(execCmd)
	execCmd.Cancel = func() error { return killProc(execCmd) }
	execCmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()

	result := &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.ExitCode = -1
			return result, ctxErr
		}
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			result.ExitCode = exitError.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("exec error: %w", err)
	}
	return result, nil
}
