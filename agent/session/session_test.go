package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmarket/agent/agent"
	"github.com/driftmarket/agent/agent/session/mocktesting"
)

type envelopeSink struct {
	mu        sync.Mutex
	envelopes []*agent.Envelope
	full      bool
}

func (s *envelopeSink) Enqueue(env *agent.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return agent.ErrQueueFull
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *envelopeSink) all() []*agent.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*agent.Envelope(nil), s.envelopes...)
}

func testManager(t *testing.T, gw *mocktesting.MockGateway, sink Sink) *Manager {
	t.Helper()
	cfg := agent.DefaultConfig()
	cfg.GatewayURL = gw.URL()
	cfg.Cookies = "unb=" + testOperatorID + "; _m_h5_tk=tok_12345"
	require.NoError(t, cfg.Validate())

	logger := slog.Default()
	tokens := NewTokenManager(&fakeIssuer{tokens: []string{"tok-a", "tok-b", "tok-c"}},
		"device-1", time.Hour, time.Minute, logger)
	codec := NewCodec(cfg.OperatorID(), cfg.TogglePhrases, nil, logger)
	return NewManager(cfg, tokens, codec, sink, logger)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerHandshake(t *testing.T) {
	gw := mocktesting.NewMockGateway()
	defer gw.Close()

	sink := &envelopeSink{}
	m := testManager(t, gw, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var reg mocktesting.ReceivedFrame
	select {
	case reg = <-gw.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("no registration frame received")
	}
	assert.Equal(t, "tok-a", reg.Headers["token"])
	assert.NotEmpty(t, reg.Headers["did"])

	waitFor(t, func() bool { return len(gw.FramesByPath("/r/SyncStatus/ackDiff")) > 0 },
		"sync acknowledgement never sent")
	waitFor(t, func() bool { return m.State() == StateLive }, "session never reached live state")

	cancel()
	gw.DropClients()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerDeliversChatEnvelopes(t *testing.T) {
	gw := mocktesting.NewMockGateway()
	defer gw.Close()

	sink := &envelopeSink{}
	m := testManager(t, gw, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		gw.DropClients()
		<-done
	}()

	waitFor(t, func() bool { return m.State() == StateLive }, "session never reached live state")

	require.NoError(t, gw.PushChatMessage("chat-1", "buyer-7", "Buyer", "item-3", "这个还在吗", time.Now().UnixMilli()))

	waitFor(t, func() bool { return len(sink.all()) == 1 }, "envelope never reached the sink")
	env := sink.all()[0]
	assert.Equal(t, "chat-1", env.ChatID)
	assert.Equal(t, "buyer-7", env.SenderID)
	assert.Equal(t, agent.KindChatQuery, env.Kind)

	// Sync frames carry a mid and must be acknowledged back to the gateway.
	waitFor(t, func() bool {
		for _, f := range gw.Frames() {
			if f.Code == 200 && strings.HasPrefix(f.MID(), "push-") {
				return true
			}
		}
		return false
	}, "inbound sync frame never acknowledged")
}

func TestManagerCountsQueueFullDrops(t *testing.T) {
	gw := mocktesting.NewMockGateway()
	defer gw.Close()

	sink := &envelopeSink{full: true}
	m := testManager(t, gw, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		gw.DropClients()
		<-done
	}()

	waitFor(t, func() bool { return m.State() == StateLive }, "session never reached live state")
	require.NoError(t, gw.PushChatMessage("chat-1", "buyer-7", "Buyer", "item-3", "在吗", time.Now().UnixMilli()))

	waitFor(t, func() bool { return m.DroppedEnvelopes() == 1 }, "drop never counted")
	assert.Empty(t, sink.all())
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	gw := mocktesting.NewMockGateway()
	defer gw.Close()

	sink := &envelopeSink{}
	m := testManager(t, gw, sink)
	m.cfg.ReconnectDelay = agent.Duration(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		gw.DropClients()
		<-done
	}()

	<-gw.Registered()
	waitFor(t, func() bool { return m.State() == StateLive }, "session never reached live state")

	gw.DropClients()

	select {
	case reg := <-gw.Registered():
		assert.NotEmpty(t, reg.Headers["token"], "reconnect must register again")
	case <-time.After(5 * time.Second):
		t.Fatal("no re-registration after disconnect")
	}
}

func TestManagerPlannedRestartReconnectsImmediately(t *testing.T) {
	gw := mocktesting.NewMockGateway()
	defer gw.Close()

	sink := &envelopeSink{}
	m := testManager(t, gw, sink)
	// A long unplanned delay proves the restart path skips it.
	m.cfg.ReconnectDelay = agent.Duration(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		gw.DropClients()
		<-done
	}()

	<-gw.Registered()
	waitFor(t, func() bool { return m.State() == StateLive }, "session never reached live state")

	m.RequestRestart()

	select {
	case <-gw.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("planned restart did not reconnect immediately")
	}
}

func TestManagerObservesOrderEvents(t *testing.T) {
	gw := mocktesting.NewMockGateway()
	defer gw.Close()

	sink := &envelopeSink{}
	m := testManager(t, gw, sink)

	var mu sync.Mutex
	var orders []OrderEvent
	m.OnOrder = func(e OrderEvent) {
		mu.Lock()
		orders = append(orders, e)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		gw.DropClients()
		<-done
	}()

	waitFor(t, func() bool { return m.State() == StateLive }, "session never reached live state")
	require.NoError(t, gw.PushOrderEvent("buyer-4", "等待卖家发货"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(orders) == 1
	}, "order event never observed")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "buyer-4", orders[0].UserID)
	assert.Equal(t, "paid, awaiting shipment", orders[0].Describe())
	assert.Empty(t, sink.all(), "order events never become envelopes")
}

func TestSendReplyRequiresConnection(t *testing.T) {
	gw := mocktesting.NewMockGateway()
	defer gw.Close()

	m := testManager(t, gw, &envelopeSink{})
	err := m.SendReply(context.Background(), "chat-1", "buyer-1", "hello")
	require.ErrorIs(t, err, agent.ErrNotConnected)
}

func TestSendReplyFrameShape(t *testing.T) {
	gw := mocktesting.NewMockGateway()
	defer gw.Close()

	sink := &envelopeSink{}
	m := testManager(t, gw, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		gw.DropClients()
		<-done
	}()

	waitFor(t, func() bool { return m.State() == StateLive }, "session never reached live state")
	require.NoError(t, m.SendReply(context.Background(), "chat-9", "buyer-2", "你好"))

	waitFor(t, func() bool {
		return len(gw.FramesByPath("/r/MessageSend/sendByReceiverScope")) == 1
	}, "reply frame never arrived")
}

func TestDeviceIDStable(t *testing.T) {
	assert.Equal(t, DeviceID("op-1"), DeviceID("op-1"))
	assert.NotEqual(t, DeviceID("op-1"), DeviceID("op-2"))
}
