// Package modes holds the static registry of pipeline modes: named phase
// graphs with prompts, post-run actions and scheduling priorities. Mode
// definitions are compile-time values validated once at startup.
package modes

import (
	"fmt"
	"strings"

	"github.com/conveyorhq/conveyor/internal/queue"
)

// QAFixPhase is the well-known phase name that test-file-authored failures
// route to. A mode enabling the routing must define a phase with this name.
const QAFixPhase = "qa_fix"

// Role tags how the executor drives a phase.
type Role string

const (
	// RoleSetup phases prepare or repair the task workspace; no agent runs.
	RoleSetup Role = "setup"
	// RoleAgent phases invoke the agent runner with the phase prompts.
	RoleAgent Role = "agent"
	// RoleRebase phases repair the task branch against its base and reopen
	// the pull request.
	RoleRebase Role = "rebase"
)

// Phase is one stage of a mode's state machine.
type Phase struct {
	Name  string
	Label string
	Role  Role

	// Agent invocation.
	SystemPrompt string
	Instruction  string
	// ErrorInstruction may contain {ERROR}; see SubstituteError.
	ErrorInstruction string
	AllowedTools     []string
	UseSandbox       bool
	FreshSession     bool

	// Prompt construction.
	IncludeTaskContext bool
	IncludeFileListing bool

	// Priority orders dispatch across phases, lower first. Unique within a
	// mode.
	Priority int

	// Post-run actions, applied in order: artifact check, commit, tests.
	CheckArtifact  string
	Commits        bool
	CommitMessage  string
	AllowNoChanges bool
	RunsTests      bool
	OpensPR        bool

	// Next is the status written on success: another phase name or a
	// terminal status.
	Next string

	// HasQAFixRouting sends test-file-authored failures to the qa_fix
	// phase instead of the retry routine.
	HasQAFixRouting bool

	// RebaseBase is the branch a RoleRebase phase rebases onto.
	RebaseBase string
}

// Mode is a named ordered phase graph plus its policies.
type Mode struct {
	Name   string
	Label  string
	Phases []Phase

	UsesWorktrees bool
	UsesSandbox   bool
	UsesTests     bool
	UsesVCS       bool

	DefaultMaxAttempts int
	InitialStatus      string
}

// Phase returns the phase with the given name.
func (m *Mode) Phase(name string) (*Phase, bool) {
	for i := range m.Phases {
		if m.Phases[i].Name == name {
			return &m.Phases[i], true
		}
	}
	return nil, false
}

// ActiveStatuses lists every phase name; these are the statuses the
// scheduler may dispatch for this mode.
func (m *Mode) ActiveStatuses() []string {
	statuses := make([]string, len(m.Phases))
	for i := range m.Phases {
		statuses[i] = m.Phases[i].Name
	}
	return statuses
}

// Validate is the startup self-test over the phase graph. It collects
// every violation rather than stopping at the first.
func (m *Mode) Validate() error {
	var errs []string

	names := make(map[string]bool, len(m.Phases))
	priorities := make(map[int]string, len(m.Phases))
	for i := range m.Phases {
		p := &m.Phases[i]
		if names[p.Name] {
			errs = append(errs, fmt.Sprintf("duplicate phase name %q", p.Name))
		}
		names[p.Name] = true

		if prev, taken := priorities[p.Priority]; taken {
			errs = append(errs, fmt.Sprintf("phase %q reuses priority %d of %q", p.Name, p.Priority, prev))
		} else {
			priorities[p.Priority] = p.Name
		}

		if p.Role == RoleAgent && (p.SystemPrompt == "" || p.Instruction == "") {
			errs = append(errs, fmt.Sprintf("agent phase %q needs a system prompt and an instruction", p.Name))
		}
	}

	for i := range m.Phases {
		p := &m.Phases[i]
		if !names[p.Next] && !queue.IsTerminal(p.Next) {
			errs = append(errs, fmt.Sprintf("phase %q next %q is neither a phase nor a terminal status", p.Name, p.Next))
		}
		if p.HasQAFixRouting && !names[QAFixPhase] {
			errs = append(errs, fmt.Sprintf("phase %q routes to %s but the mode has no such phase", p.Name, QAFixPhase))
		}
	}

	if !names[m.InitialStatus] {
		errs = append(errs, fmt.Sprintf("initial status %q is not a phase", m.InitialStatus))
	}
	if m.DefaultMaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("default max attempts %d is below 1", m.DefaultMaxAttempts))
	}

	if len(errs) > 0 {
		return fmt.Errorf("mode %s invalid: %s", m.Name, strings.Join(errs, "; "))
	}
	return nil
}

// SubstituteError injects a failure text into an error-retry instruction.
// The first {ERROR} placeholder is replaced; a template without one gets
// the text appended on a new line.
func SubstituteError(template, errText string) string {
	if strings.Contains(template, "{ERROR}") {
		return strings.Replace(template, "{ERROR}", errText, 1)
	}
	return template + "\n" + errText
}
