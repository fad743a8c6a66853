// Package chat connects the pipeline to its chat front-ends: outbound
// notifications for phase results and dead-letter alerts, and inbound task
// intake from registered groups. Delivery is best effort and never blocks
// task progress.
package chat

import "context"

// MaxMessageBytes caps one outbound message. Longer bodies are truncated
// with a trailing ellipsis before delivery.
const MaxMessageBytes = 2000

// Chat delivers messages to a chat target (a group JID, channel id, or
// similar front-end address).
type Chat interface {
	Notify(ctx context.Context, target, message string) error
}

// Message is one inbound chat message handed to the task intake.
type Message struct {
	// Target identifies the originating group or channel.
	Target string `json:"target"`
	// Sender is the front-end's identifier for the author.
	Sender string `json:"sender"`
	// Body is the raw message text.
	Body string `json:"body"`
}
