package handlers

import (
	"context"
	"log/slog"

	"github.com/driftmarket/agent/agent"
	"github.com/driftmarket/agent/agent/pipeline"
)

// Command processes operator toggle phrases: each one flips the
// conversation between automated and operator-controlled replies.
type Command struct {
	manual *pipeline.ManualModeStore
	logger *slog.Logger
}

// NewCommand wires the operator-command handler.
func NewCommand(manual *pipeline.ManualModeStore, logger *slog.Logger) *Command {
	return &Command{manual: manual, logger: logger.With("handler", "command")}
}

// Handle implements pipeline.Handler for KindCommand envelopes.
func (h *Command) Handle(ctx context.Context, env *agent.Envelope) (pipeline.Result, error) {
	if h.manual.Toggle(env.ChatID) {
		h.logger.Info("conversation switched to manual mode", "chat_id", env.ChatID)
		return pipeline.Result{Status: agent.StatusCompleted, Detail: "manual mode on"}, nil
	}
	h.logger.Info("conversation switched to automatic mode", "chat_id", env.ChatID)
	return pipeline.Result{Status: agent.StatusCompleted, Detail: "manual mode off"}, nil
}
