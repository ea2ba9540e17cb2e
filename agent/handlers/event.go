package handlers

import (
	"context"
	"log/slog"

	"github.com/driftmarket/agent/agent"
	"github.com/driftmarket/agent/agent/pipeline"
)

// Event records operator messages that are not commands. A manual reply
// typed by the operator becomes an assistant turn in the stored history,
// so later automated replies do not contradict what the operator said.
type Event struct {
	store  agent.ContextStore
	logger *slog.Logger
}

// NewEvent wires the operator-event handler.
func NewEvent(store agent.ContextStore, logger *slog.Logger) *Event {
	return &Event{store: store, logger: logger.With("handler", "event")}
}

// Handle implements pipeline.Handler for KindEvent envelopes.
func (h *Event) Handle(ctx context.Context, env *agent.Envelope) (pipeline.Result, error) {
	if err := h.store.AppendMessage(ctx, env.ChatID, env.SenderID, env.ItemID, "assistant", env.Content); err != nil {
		h.logger.Warn("recording operator reply failed", "error", err, "chat_id", env.ChatID)
		return pipeline.Result{Status: agent.StatusFailed, Detail: "history write failed"},
			&agent.HandlerError{Kind: env.Kind, Err: err}
	}
	h.logger.Debug("operator reply recorded", "chat_id", env.ChatID)
	return pipeline.Result{Status: agent.StatusCompleted, Detail: "operator reply recorded"}, nil
}
