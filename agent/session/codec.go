package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftmarket/agent/agent"
)

// DiscardReason explains why a frame produced no envelope. Discards are
// normal operation, not errors: the gateway firehoses frames the agent has
// no use for.
type DiscardReason string

const (
	DiscardNone         DiscardReason = ""
	DiscardNotSync      DiscardReason = "not-sync-package"
	DiscardDecodeFailed DiscardReason = "decode-failed"
	DiscardTyping       DiscardReason = "typing-indicator"
	DiscardOther        DiscardReason = "other"
	DiscardMissingItem  DiscardReason = "missing-item-id"
)

// OrderEvent is a transaction status notification embedded in the sync
// stream. It is logged and never becomes a user-facing envelope.
type OrderEvent struct {
	UserID   string
	Reminder string
}

// Order status literals as the gateway sends them.
const (
	reminderAwaitingPayment  = "等待买家付款"
	reminderOrderClosed      = "交易关闭"
	reminderAwaitingShipment = "等待卖家发货"
)

// Describe maps the wire literal to a log-friendly description.
func (e OrderEvent) Describe() string {
	switch e.Reminder {
	case reminderAwaitingPayment:
		return "awaiting buyer payment"
	case reminderOrderClosed:
		return "order closed"
	case reminderAwaitingShipment:
		return "paid, awaiting shipment"
	default:
		return e.Reminder
	}
}

// Classification is the codec's output for one raw frame. At most one of
// Envelope and Order is set; Ack is set independently whenever the inbound
// frame carried a correlation id.
type Classification struct {
	Ack      *Frame
	Envelope *agent.Envelope
	Order    *OrderEvent
	Discard  DiscardReason
}

// Codec decodes and classifies raw gateway frames. It is stateless and
// safe for concurrent use; identical input always yields identical output.
type Codec struct {
	operatorID    string
	togglePhrases map[string]struct{}
	decryptor     agent.Decryptor
	logger        *slog.Logger

	newID func() string
}

// NewCodec builds a codec for the given operator identity. decryptor may be
// nil when the deployment never sees encrypted payloads.
func NewCodec(operatorID string, togglePhrases []string, decryptor agent.Decryptor, logger *slog.Logger) *Codec {
	phrases := make(map[string]struct{}, len(togglePhrases))
	for _, p := range togglePhrases {
		phrases[strings.TrimSpace(p)] = struct{}{}
	}
	return &Codec{
		operatorID:    operatorID,
		togglePhrases: phrases,
		decryptor:     decryptor,
		logger:        logger.With("component", "codec"),
		newID:         uuid.NewString,
	}
}

// Classify runs the fixed-order predicate chain over one raw frame.
// Malformed input is a discard, never an error: the read loop must survive
// anything the gateway sends.
func (c *Codec) Classify(raw []byte) Classification {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug("undecodable frame", "error", &agent.DecodeError{Stage: "frame", Err: err})
		return Classification{Discard: DiscardDecodeFailed}
	}
	return c.ClassifyFrame(&frame)
}

// ClassifyFrame is Classify for a frame the caller already parsed (the
// session parses each frame once to offer it to the heartbeat first).
func (c *Codec) ClassifyFrame(frame *Frame) Classification {
	var out Classification
	if frame.header("mid") != "" {
		out.Ack = ackFrame(frame)
	}

	payload, ok := c.syncPayload(frame)
	if !ok {
		out.Discard = DiscardNotSync
		return out
	}

	inner, err := c.decodePayload(payload)
	if err != nil {
		c.logger.Warn("sync payload decode failed", "error", err)
		out.Discard = DiscardDecodeFailed
		return out
	}

	if order := parseOrderEvent(inner); order != nil {
		out.Order = order
		return out
	}

	if isTypingIndicator(inner) {
		out.Discard = DiscardTyping
		return out
	}

	chat, ok := parseChatMessage(inner)
	if !ok {
		out.Discard = DiscardOther
		return out
	}

	if chat.itemID == "" {
		c.logger.Warn("chat message without item id", "chat_id", chat.chatID)
		out.Discard = DiscardMissingItem
		return out
	}

	out.Envelope = &agent.Envelope{
		ID:            c.newID(),
		ChatID:        chat.chatID,
		SenderID:      chat.senderID,
		SenderName:    chat.senderName,
		ItemID:        chat.itemID,
		Content:       chat.content,
		Kind:          c.classifyKind(chat),
		CreatedAt:     time.UnixMilli(chat.createTime),
		CorrelationID: chat.messageID,
		Raw:           inner,
		Status:        agent.StatusPending,
	}
	return out
}

// classifyKind distinguishes operator traffic from buyer queries. An
// operator message that exactly matches a toggle phrase is a command;
// any other operator message is an event.
func (c *Codec) classifyKind(chat *chatFields) agent.Kind {
	if chat.senderID == c.operatorID {
		if _, ok := c.togglePhrases[strings.TrimSpace(chat.content)]; ok {
			return agent.KindCommand
		}
		return agent.KindEvent
	}
	return agent.KindChatQuery
}

// syncPayload extracts the first data entry of a sync push package, or
// reports that the frame is not a sync package at all.
func (c *Codec) syncPayload(frame *Frame) (string, bool) {
	if len(frame.Body) == 0 {
		return "", false
	}
	var body struct {
		SyncPushPackage struct {
			Data []struct {
				Data string `json:"data"`
			} `json:"data"`
		} `json:"syncPushPackage"`
	}
	if err := json.Unmarshal(frame.Body, &body); err != nil {
		return "", false
	}
	if len(body.SyncPushPackage.Data) == 0 || body.SyncPushPackage.Data[0].Data == "" {
		return "", false
	}
	return body.SyncPushPackage.Data[0].Data, true
}

// decodePayload tries a direct base64 decode first and falls back to the
// decrypt transform. Both paths must yield valid JSON.
func (c *Codec) decodePayload(payload string) (json.RawMessage, error) {
	if decoded, err := base64.StdEncoding.DecodeString(payload); err == nil {
		if json.Valid(decoded) {
			return decoded, nil
		}
	}
	if c.decryptor == nil {
		return nil, &agent.DecodeError{Stage: "base64", Err: fmt.Errorf("payload not plain base64 and no decryptor configured")}
	}
	plaintext, err := c.decryptor.Decrypt(payload)
	if err != nil {
		return nil, &agent.DecodeError{Stage: "decrypt", Err: err}
	}
	if !json.Valid(plaintext) {
		return nil, &agent.DecodeError{Stage: "decrypt", Err: fmt.Errorf("decrypted payload is not JSON")}
	}
	return plaintext, nil
}

// The decoded inner message keys fields by position ("1", "2", "3"...);
// field 1 is polymorphic: an object for chat messages, a string for order
// notifications, an array for typing indicators.

func parseOrderEvent(inner json.RawMessage) *OrderEvent {
	var msg struct {
		One   json.RawMessage `json:"1"`
		Three struct {
			RedReminder string `json:"redReminder"`
		} `json:"3"`
	}
	if err := json.Unmarshal(inner, &msg); err != nil || msg.Three.RedReminder == "" {
		return nil
	}
	var user string
	_ = json.Unmarshal(msg.One, &user)
	user, _, _ = strings.Cut(user, "@")
	return &OrderEvent{UserID: user, Reminder: msg.Three.RedReminder}
}

func isTypingIndicator(inner json.RawMessage) bool {
	var msg struct {
		One []struct {
			One string `json:"1"`
		} `json:"1"`
	}
	if err := json.Unmarshal(inner, &msg); err != nil {
		return false
	}
	return len(msg.One) > 0 && strings.Contains(msg.One[0].One, "@goofish")
}

type chatFields struct {
	messageID  string
	chatID     string
	createTime int64
	senderID   string
	senderName string
	content    string
	itemID     string
}

func parseChatMessage(inner json.RawMessage) (*chatFields, bool) {
	var msg struct {
		One struct {
			MessageID  string          `json:"1"`
			CID        string          `json:"2"`
			CreateTime json.RawMessage `json:"5"`
			Reminder   struct {
				Title    string `json:"reminderTitle"`
				SenderID string `json:"senderUserId"`
				Content  string `json:"reminderContent"`
				URL      string `json:"reminderUrl"`
			} `json:"10"`
		} `json:"1"`
	}
	if err := json.Unmarshal(inner, &msg); err != nil {
		return nil, false
	}
	if msg.One.Reminder.Content == "" {
		return nil, false
	}

	chatID, _, _ := strings.Cut(msg.One.CID, "@")
	return &chatFields{
		messageID:  msg.One.MessageID,
		chatID:     chatID,
		createTime: parseMillis(msg.One.CreateTime),
		senderID:   msg.One.Reminder.SenderID,
		senderName: msg.One.Reminder.Title,
		content:    msg.One.Reminder.Content,
		itemID:     itemIDFromURL(msg.One.Reminder.URL),
	}, true
}

// parseMillis accepts the create-time field as either a JSON number or a
// numeric string; the gateway uses both.
func parseMillis(raw json.RawMessage) int64 {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// itemIDFromURL pulls the itemId query parameter out of the reminder URL.
func itemIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("itemId")
}
