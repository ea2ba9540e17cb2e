package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/driftmarket/agent/agent"
)

// Validation rejects structurally unusable envelopes before any stateful
// stage sees them.
func Validation() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *agent.Envelope) (Result, error) {
			switch {
			case env.ChatID == "":
				return Result{Status: agent.StatusFailed, Detail: "missing chat id"},
					&agent.ValidationError{Field: "chat_id"}
			case env.SenderID == "":
				return Result{Status: agent.StatusFailed, Detail: "missing sender id"},
					&agent.ValidationError{Field: "sender_id"}
			case env.Content == "":
				return Result{Status: agent.StatusFailed, Detail: "empty content"},
					&agent.ValidationError{Field: "content"}
			}
			return next(ctx, env)
		}
	}
}

// ExpiryPolicy decides when a backlogged envelope is too stale to answer.
type ExpiryPolicy struct {
	MaxAge time.Duration
	Now    func() time.Time
}

// Expiry drops envelopes whose age has reached the maximum, regardless of
// kind: a replayed sync stream must not act on stale commands any more
// than on stale queries. The boundary is inclusive: an envelope exactly
// MaxAge old is already expired.
func Expiry(p ExpiryPolicy) Middleware {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, env *agent.Envelope) (Result, error) {
			if p.MaxAge > 0 {
				if age := now().Sub(env.CreatedAt); age >= p.MaxAge {
					return Result{Status: agent.StatusExpired, Detail: "message age " + age.Truncate(time.Second).String()}, nil
				}
			}
			return next(ctx, env)
		}
	}
}

// ManualGate suppresses automated replies for conversations an operator
// has taken over. Commands and operator events always pass so the toggle
// itself can be processed.
func ManualGate(store *ManualModeStore) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *agent.Envelope) (Result, error) {
			if env.Kind == agent.KindChatQuery && store.IsManual(env.ChatID) {
				return Result{Status: agent.StatusManualMode, Detail: "conversation under operator control"}, nil
			}
			return next(ctx, env)
		}
	}
}

// dedupCapacity bounds the fingerprint set; reaching it evicts the oldest
// half in one pass.
const dedupCapacity = 10000

// Dedup remembers fingerprints of processed envelopes. The fingerprint
// covers conversation, sender, creation time and a content hash, so a
// redelivered frame is recognized even after a reconnect replays the sync
// stream.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]int64 // fingerprint -> insertion sequence
	seq  int64
	cap  int
}

// NewDedup builds a dedup set with the default capacity.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]int64), cap: dedupCapacity}
}

// Fingerprint derives the dedup key for an envelope.
func Fingerprint(env *agent.Envelope) string {
	h := fnv.New64a()
	h.Write([]byte(env.Content))
	return env.ChatID + "|" + env.SenderID + "|" +
		strconv.FormatInt(env.CreatedAt.UnixMilli(), 10) + "|" +
		strconv.FormatUint(h.Sum64(), 16)
}

// Observe records the envelope and reports whether it was seen before.
func (d *Dedup) Observe(env *agent.Envelope) bool {
	fp := Fingerprint(env)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[fp]; ok {
		return true
	}
	if len(d.seen) >= d.cap {
		d.evictLocked()
	}
	d.seq++
	d.seen[fp] = d.seq
	return false
}

// Len reports the current fingerprint count.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evictLocked drops the oldest half of the set. Caller holds d.mu.
func (d *Dedup) evictLocked() {
	seqs := make([]int64, 0, len(d.seen))
	for _, s := range d.seen {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	cutoff := seqs[len(seqs)/2]
	for fp, s := range d.seen {
		if s <= cutoff {
			delete(d.seen, fp)
		}
	}
}

// DedupStage finishes duplicates with StatusDuplicate without reaching the
// handler.
func DedupStage(d *Dedup) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *agent.Envelope) (Result, error) {
			if d.Observe(env) {
				return Result{Status: agent.StatusDuplicate, Detail: "fingerprint already processed"}, nil
			}
			return next(ctx, env)
		}
	}
}

// RateLimiter enforces a per-conversation sliding window on automated
// replies.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	sends map[string][]time.Time
}

// NewRateLimiter allows limit events per chat per window. limit <= 0
// disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		sends:  make(map[string][]time.Time),
	}
}

// Allow records one event for the chat and reports whether it is within
// the limit.
func (r *RateLimiter) Allow(chatID string) bool {
	if r.limit <= 0 {
		return true
	}
	now := r.now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.sends[chatID][:0]
	for _, t := range r.sends[chatID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.sends[chatID] = kept
		return false
	}
	r.sends[chatID] = append(kept, now)
	return true
}

// RateLimit fails envelopes for conversations that exceeded the window.
func RateLimit(r *RateLimiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *agent.Envelope) (Result, error) {
			if env.Kind == agent.KindChatQuery && !r.Allow(env.ChatID) {
				return Result{Status: agent.StatusFailed, Detail: "rate limited"},
					&agent.RateLimitError{ChatID: env.ChatID, Limit: r.limit}
			}
			return next(ctx, env)
		}
	}
}

// Logging records each envelope's terminal outcome with timing.
func Logging(logger *slog.Logger) Middleware {
	logger = logger.With("component", "pipeline")
	return func(next Handler) Handler {
		return func(ctx context.Context, env *agent.Envelope) (Result, error) {
			start := time.Now()
			res, err := next(ctx, env)
			attrs := []any{
				"envelope_id", env.ID,
				"chat_id", env.ChatID,
				"kind", string(env.Kind),
				"status", string(res.Status),
				"elapsed", time.Since(start).Truncate(time.Millisecond),
			}
			if res.Detail != "" {
				attrs = append(attrs, "detail", res.Detail)
			}
			if err != nil {
				attrs = append(attrs, "error", err)
				logger.Error("envelope failed", attrs...)
				return res, err
			}
			logger.Info(fmt.Sprintf("envelope %s", res.Status), attrs...)
			return res, nil
		}
	}
}
