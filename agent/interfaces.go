package agent

import "context"

// TokenIssuer exchanges the operator's credential for a short-lived gateway
// access token. Implementations must return an error wrapping
// ErrCredentialInvalid when the credential itself is rejected, so callers
// can distinguish "token expired" (retryable) from "credential invalid"
// (fatal to the process).
type TokenIssuer interface {
	IssueToken(ctx context.Context, deviceID string) (string, error)
}

// Decryptor recovers the plaintext of an encrypted sync payload. It is only
// consulted after a direct base64 decode of the payload fails.
type Decryptor interface {
	Decrypt(ciphertext string) ([]byte, error)
}

// ReplyGenerator produces the automated reply for a buyer message. The
// LLM-backed implementation lives outside this module; reply.Mock serves
// tests and local runs.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, userMsg, itemDesc string, history []ContextMessage) (Reply, error)
}

// ContextStore persists conversation history, bargain counters and the
// item-info cache. store.Store is the SQLite implementation.
type ContextStore interface {
	AppendMessage(ctx context.Context, chatID, userID, itemID, role, content string) error
	Context(ctx context.Context, chatID string) ([]ContextMessage, error)
	IncrementBargainCount(ctx context.Context, chatID string) (int, error)
	ItemInfo(ctx context.Context, itemID string) (*ItemInfo, error)
	SaveItemInfo(ctx context.Context, itemID string, info *ItemInfo) error
}

// ItemAPI fetches listing details from the marketplace REST API.
type ItemAPI interface {
	GetItemInfo(ctx context.Context, itemID string) (*ItemInfo, error)
}

// ReplySender delivers an outbound reply over the live connection. The
// session manager implements this against whatever connection is currently
// alive; ErrNotConnected is returned between sessions.
type ReplySender interface {
	SendReply(ctx context.Context, chatID, toUserID, text string) error
}
