package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []*Frame
	err    error
}

func (r *frameRecorder) WriteFrame(f *Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *frameRecorder) last() *Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

// fakeClock drives heartbeat time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testHeartbeat(conn frameWriter, onLost func()) (*Heartbeat, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	h := NewHeartbeat(conn, 15*time.Second, 5*time.Second, onLost, slog.Default())
	h.now = clock.now
	h.lastSent = clock.now()
	h.lastAck = clock.now()
	return h, clock
}

func TestHeartbeatAcknowledge(t *testing.T) {
	rec := &frameRecorder{}
	h, _ := testHeartbeat(rec, nil)

	h.sendProbe()
	require.Equal(t, 1, rec.count())
	probe := rec.last()
	assert.Equal(t, "/!", probe.LWP)
	mid := probe.header("mid")
	require.NotEmpty(t, mid)
	require.Equal(t, 1, h.PendingProbes())

	// Wrong code is not an ack.
	assert.False(t, h.Acknowledge(&Frame{Code: 500, Headers: map[string]any{"mid": mid}}))
	// Unknown mid is not an ack.
	assert.False(t, h.Acknowledge(&Frame{Code: 200, Headers: map[string]any{"mid": "stranger"}}))
	// The real ack consumes the probe.
	assert.True(t, h.Acknowledge(&Frame{Code: 200, Headers: map[string]any{"mid": mid}}))
	assert.Equal(t, 0, h.PendingProbes())
	// Acks are consumed once.
	assert.False(t, h.Acknowledge(&Frame{Code: 200, Headers: map[string]any{"mid": mid}}))
}

func TestHeartbeatPendingSetBounded(t *testing.T) {
	rec := &frameRecorder{}
	h, clock := testHeartbeat(rec, nil)

	for i := 0; i < maxPendingProbes+7; i++ {
		h.sendProbe()
		clock.advance(time.Millisecond)
	}
	assert.Equal(t, maxPendingProbes, h.PendingProbes())

	// The survivors are the newest: the very last probe must still be
	// acknowledgeable.
	mid := rec.last().header("mid")
	assert.True(t, h.Acknowledge(&Frame{Code: 200, Headers: map[string]any{"mid": mid}}))
}

func TestHeartbeatTimeoutPrunesProbes(t *testing.T) {
	rec := &frameRecorder{}
	h, clock := testHeartbeat(rec, func() {})

	h.sendProbe()
	require.Equal(t, 1, h.PendingProbes())

	clock.advance(6 * time.Second) // past the 5s probe timeout
	lost := h.checkOnce()
	assert.False(t, lost, "one missed probe is not yet connection loss")
	assert.Equal(t, 0, h.PendingProbes())
}

func TestHeartbeatDeclaresLossOnceAfterDeadline(t *testing.T) {
	rec := &frameRecorder{}
	losses := 0
	h, clock := testHeartbeat(rec, func() { losses++ })

	// No ack for longer than interval+timeout.
	clock.advance(15*time.Second + 5*time.Second + time.Second)
	assert.True(t, h.checkOnce())
	assert.Equal(t, 1, losses)

	// Further paths to connectionLost stay silent.
	h.connectionLost()
	assert.True(t, h.checkOnce())
	assert.Equal(t, 1, losses)
}

func TestHeartbeatAckResetsDeadline(t *testing.T) {
	rec := &frameRecorder{}
	losses := 0
	h, clock := testHeartbeat(rec, func() { losses++ })

	h.sendProbe()
	mid := rec.last().header("mid")

	clock.advance(14 * time.Second)
	require.True(t, h.Acknowledge(&Frame{Code: 200, Headers: map[string]any{"mid": mid}}))

	// Deadline is measured from the last ack, so this check passes.
	clock.advance(15 * time.Second)
	assert.False(t, h.checkOnce())
	assert.Equal(t, 0, losses)
}

func TestHeartbeatWriteFailureDeclaresLoss(t *testing.T) {
	rec := &frameRecorder{err: assert.AnError}
	losses := 0
	h, _ := testHeartbeat(rec, func() { losses++ })

	h.sendProbe()
	assert.Equal(t, 1, losses)
}

func TestHeartbeatStartStop(t *testing.T) {
	rec := &frameRecorder{}
	h, _ := testHeartbeat(rec, nil)
	h.tick = time.Millisecond

	h.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	h.Stop()
	h.Stop() // idempotent
}
