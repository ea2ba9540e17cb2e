// Package session owns the physical gateway connection: the registration
// handshake, the frame read loop, the heartbeat and token subsystems scoped
// to one connection, and the reconnect policy. One Manager supervises a
// series of sessions; a new session is created per (re)connect attempt and
// never outlives it.
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Frame is the gateway's JSON wire unit. Requests carry an lwp path;
// responses carry a code. Header values are left untyped because the
// gateway mixes strings and numbers freely.
type Frame struct {
	LWP     string          `json:"lwp,omitempty"`
	Code    int             `json:"code,omitempty"`
	Headers map[string]any  `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// header returns a header value as a string, or "" when absent or not a
// string.
func (f *Frame) header(key string) string {
	if f.Headers == nil {
		return ""
	}
	s, _ := f.Headers[key].(string)
	return s
}

// newMID generates a frame correlation id.
func newMID() string {
	return uuid.NewString() + " 0"
}

// registerFrame builds the first handshake message: identity registration
// with the current access token.
func registerFrame(appKey, token, userAgent, deviceID string) *Frame {
	return &Frame{
		LWP: "/reg",
		Headers: map[string]any{
			"cache-header": "app-key token ua wv",
			"app-key":      appKey,
			"token":        token,
			"ua":           userAgent,
			"dt":           "j",
			"wv":           "im:3,au:3,sy:6",
			"sync":         "0,0;0;0;",
			"did":          deviceID,
			"mid":          newMID(),
		},
	}
}

// syncAckFrame builds the second handshake message: the sync-status
// acknowledgement that completes registration.
func syncAckFrame(now time.Time) *Frame {
	ms := now.UnixMilli()
	body, _ := json.Marshal([]map[string]any{{
		"pipeline":    "sync",
		"tooLong2Tag": "PNM,1",
		"channel":     "sync",
		"topic":       "sync",
		"highPts":     0,
		"pts":         ms * 1000,
		"seq":         0,
		"timestamp":   ms,
	}})
	return &Frame{
		LWP:     "/r/SyncStatus/ackDiff",
		Headers: map[string]any{"mid": newMID()},
		Body:    body,
	}
}

// heartbeatFrame builds a liveness probe with the given correlation id.
func heartbeatFrame(mid string) *Frame {
	return &Frame{
		LWP:     "/!",
		Headers: map[string]any{"mid": mid},
	}
}

// replyFrame builds an outbound chat message frame addressed to a single
// recipient within a conversation.
func replyFrame(chatID, toUserID, senderID, text string) *Frame {
	content := map[string]any{
		"contentType": 1,
		"text":        map[string]any{"text": text},
	}
	contentJSON, _ := json.Marshal(content)
	body, _ := json.Marshal([]any{
		map[string]any{
			"uuid":                 uuid.NewString(),
			"cid":                  chatID + "@goofish",
			"conversationType":     1,
			"content":              json.RawMessage(contentJSON),
			"redPointPolicy":       0,
			"extension":            map[string]any{"extJson": "{}"},
			"ctx":                  map[string]any{"appVersion": "1.0", "platform": "web"},
			"mtags":                map[string]any{},
			"msgReadStatusSetting": 1,
		},
		map[string]any{
			"actualReceivers": []string{toUserID + "@goofish", senderID + "@goofish"},
		},
	})
	return &Frame{
		LWP:     "/r/MessageSend/sendByReceiverScope",
		Headers: map[string]any{"mid": newMID()},
		Body:    body,
	}
}

// ackFrame builds the acknowledgement for an inbound frame that carried a
// correlation id. Selected request headers are echoed back.
func ackFrame(in *Frame) *Frame {
	headers := map[string]any{
		"mid": in.Headers["mid"],
		"sid": in.header("sid"),
	}
	for _, key := range []string{"app-key", "ua", "dt"} {
		if v, ok := in.Headers[key]; ok {
			headers[key] = v
		}
	}
	return &Frame{Code: 200, Headers: headers}
}
