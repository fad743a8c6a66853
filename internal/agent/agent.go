// Package agent defines the runner contract between the phase executor and
// the agent CLI: a prompt in, a line stream and final output back. Two
// implementations exist, a local subprocess runner and a container sandbox
// runner.
package agent

import (
	"context"
	"errors"
)

// Environment variables carrying the invocation contract to the agent CLI.
// The prompt itself arrives on stdin for the local runner and via EnvPrompt
// for the sandbox, where no stdin is attached.
const (
	EnvSystemPrompt = "AGENT_SYSTEM_PROMPT"
	EnvAllowedTools = "AGENT_ALLOWED_TOOLS"
	EnvSessionID    = "AGENT_SESSION_ID"
	EnvPrompt       = "AGENT_PROMPT"
)

// SessionMarker prefixes the stdout line on which the agent reports the
// session it allocated for this run. The runners strip the line from the
// streamed output and surface the id on the Result.
const SessionMarker = "AGENT_SESSION_ID:"

// Well-known failure kinds. Runners wrap these so the executor can route
// on them without knowing the transport.
var (
	// ErrSpawnFailed means the agent process or container never started.
	ErrSpawnFailed = errors.New("agent spawn failed")
	// ErrKilledByTimeout is set by the executor when the watchdog fired.
	ErrKilledByTimeout = errors.New("agent killed by timeout")
	// ErrIO covers stream failures after a successful start.
	ErrIO = errors.New("agent io error")
)

// Request describes one agent invocation.
type Request struct {
	SystemPrompt string
	Prompt       string
	AllowedTools []string
	// SessionID resumes a prior session; empty starts fresh.
	SessionID string
	WorkDir   string

	// OnLine receives each output line as it is produced, session marker
	// lines excluded. Optional.
	OnLine func(line string)
	// OnStart receives a handle to the running process before any output
	// is read. The watchdog uses it to terminate overdue runs. Optional.
	OnStart func(p Process)
}

// Result is a completed agent run.
type Result struct {
	Output       string
	NewSessionID string
}

// Process is a running agent invocation as seen by the watchdog.
type Process interface {
	// Terminate asks the agent to stop gracefully.
	Terminate() error
	// Kill stops the agent immediately.
	Kill() error
}

// Runner executes agent invocations.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
