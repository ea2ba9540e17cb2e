// Package handlers holds the terminal handlers the dispatch registry routes
// to: automated buyer replies, operator commands, and operator events.
package handlers

import (
	"context"
	"log/slog"

	"github.com/driftmarket/agent/agent"
	"github.com/driftmarket/agent/agent/pipeline"
)

// Chat answers buyer queries: it loads the listing and the conversation
// history, asks the generator for a reply, and sends it back over the live
// connection. Every inbound message and every reply is recorded so the
// next turn sees the full history.
type Chat struct {
	store     agent.ContextStore
	items     agent.ItemAPI
	generator agent.ReplyGenerator
	sender    agent.ReplySender
	logger    *slog.Logger
}

// NewChat wires the buyer-reply handler.
func NewChat(store agent.ContextStore, items agent.ItemAPI, generator agent.ReplyGenerator, sender agent.ReplySender, logger *slog.Logger) *Chat {
	return &Chat{
		store:     store,
		items:     items,
		generator: generator,
		sender:    sender,
		logger:    logger.With("handler", "chat"),
	}
}

// Handle implements pipeline.Handler for KindChatQuery envelopes.
func (h *Chat) Handle(ctx context.Context, env *agent.Envelope) (pipeline.Result, error) {
	if err := h.store.AppendMessage(ctx, env.ChatID, env.SenderID, env.ItemID, "user", env.Content); err != nil {
		h.logger.Warn("recording inbound message failed", "error", err, "chat_id", env.ChatID)
	}

	item, err := h.itemInfo(ctx, env.ItemID)
	if err != nil {
		return pipeline.Result{Status: agent.StatusFailed, Detail: "item lookup failed"},
			&agent.HandlerError{Kind: env.Kind, Err: err}
	}

	history, err := h.store.Context(ctx, env.ChatID)
	if err != nil {
		h.logger.Warn("history load failed, replying without context", "error", err, "chat_id", env.ChatID)
		history = nil
	}

	desc := item.Title + "; " + item.Desc + "; 当前售价:" + item.SoldPrice
	reply, err := h.generator.GenerateReply(ctx, env.Content, desc, history)
	if err != nil {
		return pipeline.Result{Status: agent.StatusFailed, Detail: "reply generation failed"},
			&agent.HandlerError{Kind: env.Kind, Err: err}
	}

	if reply.Intent == "price" {
		count, err := h.store.IncrementBargainCount(ctx, env.ChatID)
		if err != nil {
			h.logger.Warn("bargain counter update failed", "error", err, "chat_id", env.ChatID)
		} else {
			h.logger.Info("bargain round", "chat_id", env.ChatID, "count", count)
		}
	}

	if err := h.store.AppendMessage(ctx, env.ChatID, "assistant", env.ItemID, "assistant", reply.Text); err != nil {
		h.logger.Warn("recording reply failed", "error", err, "chat_id", env.ChatID)
	}

	if err := h.sender.SendReply(ctx, env.ChatID, env.SenderID, reply.Text); err != nil {
		return pipeline.Result{Status: agent.StatusFailed, Detail: "reply send failed"},
			&agent.HandlerError{Kind: env.Kind, Err: err}
	}

	return pipeline.Result{Status: agent.StatusCompleted, Detail: "intent " + reply.Intent}, nil
}

// itemInfo serves the listing from the cache and falls back to the
// marketplace API, caching the result for later turns.
func (h *Chat) itemInfo(ctx context.Context, itemID string) (*agent.ItemInfo, error) {
	if cached, err := h.store.ItemInfo(ctx, itemID); err == nil && cached != nil {
		return cached, nil
	}
	info, err := h.items.GetItemInfo(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := h.store.SaveItemInfo(ctx, itemID, info); err != nil {
		h.logger.Warn("item cache write failed", "error", err, "item_id", itemID)
	}
	return info, nil
}
