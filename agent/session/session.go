package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driftmarket/agent/agent"
)

// State is the session lifecycle position. Failed is terminal per attempt
// and always routes back to Disconnected for retry.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateLive
	StateDraining
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// registrationSettle is how long the gateway needs between the identity
// registration and the sync acknowledgement.
const registrationSettle = time.Second

// Sink receives classified envelopes from the read loop. Enqueue must not
// block; a full queue returns agent.ErrQueueFull and the envelope is
// dropped.
type Sink interface {
	Enqueue(env *agent.Envelope) error
}

// Manager supervises the connection lifecycle: it creates one session per
// (re)connect attempt, runs the frame read loop, and decides reconnect
// versus fatal exit. The reconnect loop is unbounded; only a rejected
// credential terminates it.
//
// Manager implements agent.ReplySender against the currently live
// connection.
type Manager struct {
	cfg        agent.Config
	codec      *Codec
	tokens     *TokenManager
	sink       Sink
	logger     *slog.Logger
	dialer     *websocket.Dialer
	operatorID string
	deviceID   string

	// OnOrder, when set, observes order status notifications. Used by
	// tests; production wiring just logs them.
	OnOrder func(OrderEvent)

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	restart atomic.Bool
	state   atomic.Int32

	dropped atomic.Int64
}

// NewManager wires the connection supervisor. The token manager is shared
// across reconnects; heartbeats are created fresh per session.
func NewManager(cfg agent.Config, tokens *TokenManager, codec *Codec, sink Sink, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		codec:  codec,
		tokens: tokens,
		sink:   sink,
		logger: logger.With("component", "session"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		operatorID: cfg.OperatorID(),
		deviceID:   DeviceID(cfg.OperatorID()),
	}
}

// DeviceID derives a stable device identifier from the operator id.
func DeviceID(operatorID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("driftmarket-device-"+operatorID)).String()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// DroppedEnvelopes reports how many envelopes were lost to a full queue.
func (m *Manager) DroppedEnvelopes() int64 {
	return m.dropped.Load()
}

// Run connects and reads frames until ctx is cancelled or the credential
// is rejected. On planned restarts (token refresh, heartbeat loss) it
// reconnects immediately; on unplanned closure it waits the configured
// backoff first.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}

		m.restart.Store(false)
		err := m.runSession(ctx)
		m.setState(StateDisconnected)

		if errors.Is(err, agent.ErrCredentialInvalid) {
			return err
		}
		if err != nil {
			m.logger.Error("session ended with error", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		if m.restart.Load() {
			m.logger.Info("planned restart, reconnecting immediately")
			continue
		}

		m.logger.Info("reconnecting after delay", "delay", m.cfg.ReconnectDelay.Std())
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return nil
		case <-time.After(m.cfg.ReconnectDelay.Std()):
		}
	}
}

// RequestRestart flags the session for a planned restart and closes the
// connection so the read loop unblocks promptly.
func (m *Manager) RequestRestart() {
	m.restart.Store(true)
	m.closeConn()
}

// runSession is one connect attempt: token, dial, handshake, subsystems,
// read loop, teardown. Heartbeat and token loops never outlive it.
func (m *Manager) runSession(ctx context.Context) error {
	m.setState(StateConnecting)

	token, err := m.tokens.EnsureFresh(ctx)
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("acquire token: %w", err)
	}

	conn, err := m.dial(ctx)
	if err != nil {
		m.setState(StateFailed)
		return &agent.TransportError{Op: "dial", Err: err}
	}
	m.setConn(conn)
	defer m.closeConn()

	m.setState(StateRegistering)
	if err := m.register(ctx, token); err != nil {
		m.setState(StateFailed)
		return err
	}
	m.setState(StateLive)
	m.logger.Info("connected", "gateway", m.cfg.GatewayURL)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hb := NewHeartbeat(m, m.cfg.HeartbeatInterval.Std(), m.cfg.HeartbeatTimeout.Std(), m.RequestRestart, m.logger)
	hb.Start(sctx)
	defer hb.Stop()

	fatal := make(chan error, 1)
	tokenDone := make(chan struct{})
	go func() {
		defer close(tokenDone)
		if err := m.tokens.Run(sctx, m.RequestRestart); err != nil {
			fatal <- err
			m.closeConn() // unblock the read loop
		}
	}()
	defer func() {
		cancel()
		<-tokenDone
	}()

	for {
		if m.restart.Load() {
			m.logger.Info("restart requested, leaving read loop")
			break
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !m.restart.Load() && sctx.Err() == nil {
				m.logger.Warn("read loop ended", "error", err)
			}
			break
		}
		m.handleFrame(hb, raw)
	}

	m.setState(StateDraining)
	select {
	case err := <-fatal:
		return err
	default:
		return nil
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Cookie", m.cfg.Cookies)
	headers.Set("Host", u.Host)
	headers.Set("Origin", "https://www.goofish.com")
	headers.Set("User-Agent", m.cfg.UserAgent)

	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.GatewayURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// register performs the two-message handshake: identity registration, a
// settle pause, then the sync-status acknowledgement.
func (m *Manager) register(ctx context.Context, token string) error {
	if err := m.WriteFrame(registerFrame(m.cfg.AppKey, token, m.cfg.UserAgent, m.deviceID)); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(registrationSettle):
	}

	if err := m.WriteFrame(syncAckFrame(time.Now())); err != nil {
		return fmt.Errorf("send sync ack: %w", err)
	}

	m.logger.Info("registration complete", "device_id", m.deviceID)
	return nil
}

// handleFrame routes one inbound frame: heartbeat acknowledgements are
// consumed before any other routing, then the codec classifies and the
// result is acked, logged or enqueued.
func (m *Manager) handleFrame(hb *Heartbeat, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.logger.Debug("undecodable frame", "error", err)
		return
	}

	if hb.Acknowledge(&frame) {
		return
	}

	cls := m.codec.ClassifyFrame(&frame)

	if cls.Ack != nil {
		if err := m.WriteFrame(cls.Ack); err != nil {
			m.logger.Debug("ack send failed", "error", err)
		}
	}

	if cls.Order != nil {
		m.logger.Info("order status changed",
			"status", cls.Order.Describe(),
			"buyer", "https://www.goofish.com/personal?userId="+cls.Order.UserID)
		if m.OnOrder != nil {
			m.OnOrder(*cls.Order)
		}
		return
	}

	if cls.Envelope != nil {
		if err := m.sink.Enqueue(cls.Envelope); err != nil {
			m.dropped.Add(1)
			m.logger.Warn("envelope dropped",
				"error", err,
				"chat_id", cls.Envelope.ChatID,
				"dropped_total", m.dropped.Load())
		}
	}
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
}

func (m *Manager) closeConn() {
	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()
}

func (m *Manager) currentConn() *websocket.Conn {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn
}

// WriteFrame sends one frame over the live connection. Gorilla permits a
// single concurrent writer, hence the write lock shared by the read loop's
// acks, the heartbeat and reply senders.
func (m *Manager) WriteFrame(f *Frame) error {
	conn := m.currentConn()
	if conn == nil {
		return agent.ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return &agent.TransportError{Op: "send", Err: err}
	}
	return nil
}

// SendReply implements agent.ReplySender over the current connection.
func (m *Manager) SendReply(ctx context.Context, chatID, toUserID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.WriteFrame(replyFrame(chatID, toUserID, m.operatorID, text))
}
