// Package mocktesting provides an in-process websocket server that mimics
// the marketplace messaging gateway, for driving session tests without a
// network.
package mocktesting

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// ReceivedFrame is one frame a client sent to the mock gateway.
type ReceivedFrame struct {
	LWP     string          `json:"lwp"`
	Code    int             `json:"code"`
	Headers map[string]any  `json:"headers"`
	Body    json.RawMessage `json:"body"`
}

// MID returns the frame's correlation id header, "" when absent.
func (f *ReceivedFrame) MID() string {
	s, _ := f.Headers["mid"].(string)
	return s
}

// MockGateway is a test double for the messaging gateway. It upgrades
// connections, records every inbound frame, automatically acknowledges
// registration and heartbeat frames, and lets tests push sync packages to
// connected clients.
type MockGateway struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	framesMu sync.Mutex
	frames   []ReceivedFrame

	// writeMu serializes writes across the ack path and test pushes;
	// gorilla allows one concurrent writer per connection.
	writeMu sync.Mutex

	registered chan ReceivedFrame

	// AutoAckHeartbeats answers "/!" probes with a code 200 frame echoing
	// the mid. Defaults to true; tests exercising probe timeout turn it
	// off.
	AutoAckHeartbeats bool
}

// NewMockGateway starts the mock server.
func NewMockGateway() *MockGateway {
	m := &MockGateway{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:           make(map[*websocket.Conn]bool),
		registered:        make(chan ReceivedFrame, 16),
		AutoAckHeartbeats: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleWebSocket)
	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the ws:// endpoint clients should dial.
func (m *MockGateway) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// Close drops all connections and stops the server.
func (m *MockGateway) Close() {
	m.clientsMu.Lock()
	for conn := range m.clients {
		conn.Close()
	}
	m.clients = make(map[*websocket.Conn]bool)
	m.clientsMu.Unlock()
	m.server.Close()
}

// Registered delivers each "/reg" frame as it arrives, so tests can block
// until a client completes registration.
func (m *MockGateway) Registered() <-chan ReceivedFrame {
	return m.registered
}

// Frames returns a copy of every frame received so far.
func (m *MockGateway) Frames() []ReceivedFrame {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	return append([]ReceivedFrame(nil), m.frames...)
}

// FramesByPath returns received frames whose lwp path matches.
func (m *MockGateway) FramesByPath(path string) []ReceivedFrame {
	var out []ReceivedFrame
	for _, f := range m.Frames() {
		if f.LWP == path {
			out = append(out, f)
		}
	}
	return out
}

// DropClients closes every live connection without stopping the server,
// simulating an abrupt gateway-side disconnect.
func (m *MockGateway) DropClients() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		conn.Close()
		delete(m.clients, conn)
	}
}

// ClientCount reports how many connections are live.
func (m *MockGateway) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

func (m *MockGateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.clientsMu.Lock()
	m.clients[conn] = true
	m.clientsMu.Unlock()
	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		m.clientsMu.Unlock()
	}()

	for {
		var frame ReceivedFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		m.framesMu.Lock()
		m.frames = append(m.frames, frame)
		m.framesMu.Unlock()

		switch frame.LWP {
		case "/reg":
			m.writeAck(conn, frame.MID())
			select {
			case m.registered <- frame:
			default:
			}
		case "/!":
			if m.AutoAckHeartbeats {
				m.writeAck(conn, frame.MID())
			}
		}
	}
}

func (m *MockGateway) writeAck(conn *websocket.Conn, mid string) {
	m.broadcastTo(conn, map[string]any{
		"code":    200,
		"headers": map[string]any{"mid": mid},
	})
}

// PushSyncMessage delivers a sync push package whose inner payload is the
// base64 encoding of innerJSON, exactly as the production gateway frames
// chat traffic.
func (m *MockGateway) PushSyncMessage(innerJSON []byte) error {
	payload := base64.StdEncoding.EncodeToString(innerJSON)
	frame := map[string]any{
		"headers": map[string]any{"mid": fmt.Sprintf("push-%d", len(m.Frames())), "sid": "mock-sid"},
		"lwp":     "/s/sync",
		"body": map[string]any{
			"syncPushPackage": map[string]any{
				"data": []map[string]any{{"data": payload}},
			},
		},
	}
	return m.broadcast(frame)
}

// PushChatMessage builds and delivers a buyer chat message with the given
// identities and content.
func (m *MockGateway) PushChatMessage(chatID, senderID, senderName, itemID, content string, createTimeMillis int64) error {
	inner := map[string]any{
		"1": map[string]any{
			"1": fmt.Sprintf("msg-%d", createTimeMillis),
			"2": chatID + "@goofish",
			"5": createTimeMillis,
			"10": map[string]any{
				"reminderTitle":   senderName,
				"senderUserId":    senderID,
				"reminderContent": content,
				"reminderUrl":     "https://www.goofish.com/item?itemId=" + itemID,
			},
		},
	}
	data, err := json.Marshal(inner)
	if err != nil {
		return err
	}
	return m.PushSyncMessage(data)
}

// PushOrderEvent delivers an order status notification for the given user.
func (m *MockGateway) PushOrderEvent(userID, reminder string) error {
	inner := map[string]any{
		"1": userID + "@goofish",
		"3": map[string]any{"redReminder": reminder},
	}
	data, err := json.Marshal(inner)
	if err != nil {
		return err
	}
	return m.PushSyncMessage(data)
}

func (m *MockGateway) broadcast(frame map[string]any) error {
	m.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(m.clients))
	for conn := range m.clients {
		conns = append(conns, conn)
	}
	m.clientsMu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("no connected clients")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("push to client: %w", err)
		}
	}
	return nil
}

func (m *MockGateway) broadcastTo(conn *websocket.Conn, frame map[string]any) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.WriteJSON(frame)
}
