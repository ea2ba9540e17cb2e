// Package agent defines the shared data model, error taxonomy, configuration
// and collaborator contracts for the marketplace chat agent. The moving parts
// live in the subpackages: session (connection lifecycle), pipeline
// (middleware chain), dispatch (queue and workers), handlers, store and api.
package agent

import (
	"encoding/json"
	"time"
)

// Kind classifies a decoded inbound message. The set is closed: every
// envelope routed through the dispatch pipeline carries exactly one of
// these, and the handler registry maps each kind to one handler.
type Kind string

const (
	// KindChatQuery is a buyer message that expects an automated reply.
	KindChatQuery Kind = "chat-query"
	// KindCommand is an operator message matching a configured toggle phrase.
	KindCommand Kind = "command"
	// KindEvent is any other operator-originated message.
	KindEvent Kind = "event"
)

// Status tracks an envelope through the dispatch pipeline. Envelopes start
// pending, become in-flight when a worker picks them up, and end in exactly
// one terminal status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in-flight"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusDuplicate  Status = "duplicate"
	StatusManualMode Status = "manual_mode"
)

// Envelope is one classified, decoded unit of inbound work. It is immutable
// once enqueued except for Status, which only the pipeline mutates.
type Envelope struct {
	ID            string          // generator-assigned, unique
	ChatID        string          // conversation id
	SenderID      string          // originating user id
	SenderName    string          // display name, informational only
	ItemID        string          // marketplace item the conversation is about
	Content       string          // raw text content
	Kind          Kind            // classification result
	CreatedAt     time.Time       // origin-system time, drives expiry
	CorrelationID string          // upstream message id, for ack/tracing
	Raw           json.RawMessage // decoded inner frame, opaque to the pipeline
	Status        Status
}

// ContextMessage is one turn of stored conversation history, as returned by
// a ContextStore and consumed by the reply generator.
type ContextMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// Reply is the output of a ReplyGenerator.
type Reply struct {
	Text   string
	Intent string // generator-reported intent, e.g. "price"
}

// ItemInfo describes a marketplace listing.
type ItemInfo struct {
	Title     string          `json:"title"`
	Desc      string          `json:"desc"`
	SoldPrice string          `json:"soldPrice"`
	Raw       json.RawMessage `json:"-"`
}
