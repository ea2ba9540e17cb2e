// Package pipeline is the dispatch middleware chain. Every classified
// envelope passes through a fixed stage order before reaching its handler;
// any stage may finish the envelope early with a terminal status.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/driftmarket/agent/agent"
)

// Result is the terminal outcome of processing one envelope.
type Result struct {
	Status agent.Status
	Detail string
}

// Handler processes one envelope to completion.
type Handler func(ctx context.Context, env *agent.Envelope) (Result, error)

// Middleware wraps a handler with one pipeline stage.
type Middleware func(next Handler) Handler

// Chain composes middleware around a terminal handler. Stages run in the
// listed order; the first element sees the envelope first.
func Chain(terminal Handler, stages ...Middleware) Handler {
	h := terminal
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}

// New assembles the canonical stage order around the terminal handler:
// logging, validation, expiry, manual-mode gate, dedup, rate limit. The
// order is load-bearing: logging wraps everything so even early rejections
// leave a trace, cheap structural checks run before stateful ones, and the
// manual gate runs before dedup so a suppressed message does not burn a
// fingerprint slot.
func New(terminal Handler, manual *ManualModeStore, dedup *Dedup, limiter *RateLimiter, expiry ExpiryPolicy, logger *slog.Logger) Handler {
	return Chain(terminal,
		Logging(logger),
		Validation(),
		Expiry(expiry),
		ManualGate(manual),
		DedupStage(dedup),
		RateLimit(limiter),
	)
}
