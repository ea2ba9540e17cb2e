package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// maxPendingProbes bounds the pending set; older probes are pruned
// regardless of status.
const maxPendingProbes = 10

// frameWriter is the slice of the connection the heartbeat needs. The live
// implementation is *websocket.Conn via the session's write lock.
type frameWriter interface {
	WriteFrame(f *Frame) error
}

// Heartbeat sends periodic liveness probes over the active connection and
// detects acknowledgement timeout. Liveness must be independent of message
// traffic: a quiet conversation is not a dead link, so probes go out on a
// fixed schedule regardless of other frames.
//
// A Heartbeat is scoped to one session. It is started once, signals
// connection loss at most once, and is stopped and discarded before the
// next connect attempt.
type Heartbeat struct {
	conn     frameWriter
	interval time.Duration
	timeout  time.Duration
	onLost   func()
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]time.Time
	lastSent time.Time
	lastAck  time.Time

	now      func() time.Time
	tick     time.Duration
	lostOnce sync.Once

	cancel      context.CancelFunc
	senderDone  chan struct{}
	checkerDone chan struct{}
	running     bool
}

// NewHeartbeat wires a heartbeat against one connection. onLost is invoked
// exactly once if no probe is acknowledged within interval+timeout.
func NewHeartbeat(conn frameWriter, interval, timeout time.Duration, onLost func(), logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		conn:     conn,
		interval: interval,
		timeout:  timeout,
		onLost:   onLost,
		logger:   logger.With("component", "heartbeat"),
		pending:  make(map[string]time.Time),
		now:      time.Now,
		tick:     time.Second,
	}
}

// Start launches the probe sender and the timeout checker.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		h.logger.Warn("heartbeat already running")
		return
	}
	h.running = true
	now := h.now()
	h.lastSent = now
	h.lastAck = now
	h.mu.Unlock()

	ctx, h.cancel = context.WithCancel(ctx)
	h.senderDone = make(chan struct{})
	h.checkerDone = make(chan struct{})

	go h.sendLoop(ctx)
	go h.checkLoop(ctx)

	h.logger.Info("heartbeat started", "interval", h.interval, "timeout", h.timeout)
}

// Stop cancels both loops and waits for them to exit. Safe to call more
// than once.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	h.cancel()
	<-h.senderDone
	<-h.checkerDone
	h.logger.Info("heartbeat stopped")
}

// Acknowledge consumes a frame if it is a heartbeat acknowledgement for a
// pending probe. The session's read loop calls this before any other
// routing; a false return means the frame is ordinary traffic.
func (h *Heartbeat) Acknowledge(frame *Frame) bool {
	if frame.Code != 200 {
		return false
	}
	mid := frame.header("mid")
	if mid == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[mid]; !ok {
		return false
	}
	delete(h.pending, mid)
	h.lastAck = h.now()
	return true
}

// PendingProbes reports the size of the pending set.
func (h *Heartbeat) PendingProbes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Heartbeat) sendLoop(ctx context.Context) {
	defer close(h.senderDone)

	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			due := h.now().Sub(h.lastSent) >= h.interval
			h.mu.Unlock()
			if due {
				h.sendProbe()
			}
		}
	}
}

func (h *Heartbeat) sendProbe() {
	mid := newMID()
	now := h.now()

	h.mu.Lock()
	h.pending[mid] = now
	h.lastSent = now
	h.pruneLocked()
	h.mu.Unlock()

	if err := h.conn.WriteFrame(heartbeatFrame(mid)); err != nil {
		h.logger.Error("probe send failed", "error", err)
		h.connectionLost()
		return
	}
	h.logger.Debug("probe sent", "mid", mid)
}

// pruneLocked keeps only the newest maxPendingProbes entries. Caller holds
// h.mu.
func (h *Heartbeat) pruneLocked() {
	if len(h.pending) <= maxPendingProbes {
		return
	}
	type probe struct {
		mid  string
		sent time.Time
	}
	probes := make([]probe, 0, len(h.pending))
	for mid, sent := range h.pending {
		probes = append(probes, probe{mid, sent})
	}
	sort.Slice(probes, func(i, j int) bool { return probes[i].sent.Before(probes[j].sent) })
	for _, p := range probes[:len(probes)-maxPendingProbes] {
		delete(h.pending, p.mid)
	}
}

func (h *Heartbeat) checkLoop(ctx context.Context) {
	defer close(h.checkerDone)

	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.checkOnce() {
				return
			}
		}
	}
}

// checkOnce prunes timed-out probes and tests the overall acknowledgement
// deadline. Returns true when connection loss was declared and the checker
// should stop.
func (h *Heartbeat) checkOnce() bool {
	now := h.now()

	h.mu.Lock()
	for mid, sent := range h.pending {
		if now.Sub(sent) > h.timeout {
			delete(h.pending, mid)
			h.logger.Warn("probe timed out", "mid", mid)
		}
	}
	silent := now.Sub(h.lastAck) > h.interval+h.timeout
	h.mu.Unlock()

	if silent {
		h.logger.Error("no probe acknowledged within deadline, declaring connection lost")
		h.connectionLost()
		return true
	}
	return false
}

// connectionLost emits the loss signal exactly once, no matter how many
// paths reach it.
func (h *Heartbeat) connectionLost() {
	h.lostOnce.Do(func() {
		if h.onLost != nil {
			h.onLost()
		}
	})
}
