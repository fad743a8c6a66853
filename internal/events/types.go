// Package events defines the bus subjects the pipeline publishes, plus the
// provider that picks the bus implementation.
package events

import "strconv"

// Task lifecycle events.
const (
	TaskCreated    = "task.created"
	TaskDispatched = "task.dispatched"
	TaskRetry      = "task.retry"
	TaskDeadLetter = "task.dead_letter"
	TaskDone       = "task.done"
)

// Phase events, published by the executor around each phase run.
const (
	PhaseStarted  = "task.phase.started"
	PhaseFinished = "task.phase.finished"
	PhaseResult   = "task.phase.result"
)

// Chat events. Inbound messages arrive from the chat front-ends; outbound
// notifications fan out to them.
const (
	ChatInbound  = "chat.inbound"
	ChatOutbound = "chat.outbound"
)

// Engine lifecycle events.
const (
	EngineStarted = "engine.started"
	EngineStopped = "engine.stopped"
)

// AgentStream is the base subject for live agent output, one subject per
// task.
const AgentStream = "agent.stream"

// BuildAgentStreamSubject returns the stream subject for one task.
func BuildAgentStreamSubject(taskID int64) string {
	return AgentStream + "." + strconv.FormatInt(taskID, 10)
}

// BuildAgentStreamWildcardSubject subscribes to every task's stream.
func BuildAgentStreamWildcardSubject() string {
	return AgentStream + ".*"
}

// TaskWildcardSubject subscribes to every task lifecycle and phase event.
func TaskWildcardSubject() string {
	return "task.>"
}

// ChatWildcardSubject subscribes to every chat event.
func ChatWildcardSubject() string {
	return "chat.*"
}
