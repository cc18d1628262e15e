// Package connectors defines the process execution interface for fnbox.
package connectors

import (
	"context"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs cmd with args in dir until it exits or ctx is done. A
	// non-zero exit is reported through ExitCode, not as an error. When ctx
	// ends first the process is killed and ctx.Err() is returned alongside
	// the partial result.
	Execute(ctx context.Context, dir string, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}
