package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors used for control-flow decisions across packages.
var (
	// ErrCredentialInvalid means the token issuer rejected the underlying
	// credential, not just an expired token. It is the only error that
	// terminates the whole process; everything else retries or discards.
	ErrCredentialInvalid = errors.New("credential rejected by token issuer")

	// ErrQueueFull is returned by a non-blocking enqueue when the dispatch
	// queue is at capacity. The envelope is dropped and counted.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrNotConnected is returned when a reply is sent while no live
	// session exists.
	ErrNotConnected = errors.New("no active session")
)

// TransportError wraps a connect/send/receive failure. Session-level:
// triggers backoff and reconnect, never crashes the process.
type TransportError struct {
	Op  string // "dial", "send", "receive", "close"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError marks a frame that could not be decoded. Frame-level: the
// frame is discarded and the read loop continues.
type DecodeError struct {
	Stage string // "frame", "base64", "decrypt", "payload"
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError is a pipeline rejection for an envelope missing required
// fields. Envelope-level: the conversation is unaffected.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope missing %s", e.Field)
}

// RateLimitError reports that a conversation exceeded its request budget
// inside the sliding window. Reported per-envelope, never silently dropped.
type RateLimitError struct {
	ChatID string
	Limit  int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("chat %s over rate limit (%d/min)", e.ChatID, e.Limit)
}

// HandlerError wraps a failure inside a registered handler. Caught at the
// worker boundary; the envelope is marked failed and the worker keeps going.
type HandlerError struct {
	Kind Kind
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
