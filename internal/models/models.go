// Package models defines the core domain types for fnbox.
package models

import "time"

// FunctionDescriptor is the catalog record of one registered function.
// Slot order in Inputs and Outputs is positional at execution time.
type FunctionDescriptor struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Inputs             []string `json:"inputs"`
	Outputs            []string `json:"outputs"`
	InputDescriptions  []string `json:"input_descriptions"`
	OutputDescriptions []string `json:"output_descriptions"`
}

// InputLabel returns the human readable label of input slot i, falling back
// to the slot name when no description was registered.
func (d FunctionDescriptor) InputLabel(i int) string {
	if i < len(d.InputDescriptions) && d.InputDescriptions[i] != "" {
		return d.InputDescriptions[i]
	}
	if i < len(d.Inputs) {
		return d.Inputs[i]
	}
	return ""
}

// InvocationStatus represents the lifecycle state of one invocation.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
	InvocationCanceled  InvocationStatus = "canceled"
	InvocationRejected  InvocationStatus = "rejected"
)

// Invocation is the history record of one execution request.
type Invocation struct {
	ID         string           `json:"id"`
	FunctionID string           `json:"function_id"`
	Caller     string           `json:"caller"`
	Inputs     []string         `json:"inputs,omitempty"` // uploaded filenames in slot order
	Status     InvocationStatus `json:"status"`
	ExitCode   int              `json:"exit_code"`
	DurationMS int64            `json:"duration_ms"`
	Stderr     string           `json:"stderr,omitempty"`
	Workspace  string           `json:"workspace,omitempty"` // set only when retained
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	FunctionID string    `json:"function_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
