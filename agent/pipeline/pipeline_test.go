package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmarket/agent/agent"
)

func testEnvelope(chatID, content string) *agent.Envelope {
	return &agent.Envelope{
		ID:        "env-1",
		ChatID:    chatID,
		SenderID:  "buyer-1",
		ItemID:    "item-1",
		Content:   content,
		Kind:      agent.KindChatQuery,
		CreatedAt: time.Now(),
		Status:    agent.StatusPending,
	}
}

func completing() (Handler, *int) {
	calls := new(int)
	return func(ctx context.Context, env *agent.Envelope) (Result, error) {
		*calls++
		return Result{Status: agent.StatusCompleted}, nil
	}, calls
}

func TestChainOrder(t *testing.T) {
	var order []string
	stage := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env *agent.Envelope) (Result, error) {
				order = append(order, name)
				return next(ctx, env)
			}
		}
	}
	terminal, calls := completing()

	h := Chain(terminal, stage("a"), stage("b"), stage("c"))
	_, err := h(context.Background(), testEnvelope("chat-1", "hi"))

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 1, *calls)
}

func TestValidationRejectsIncompleteEnvelopes(t *testing.T) {
	terminal, calls := completing()
	h := Chain(terminal, Validation())

	for _, tc := range []struct {
		name   string
		mutate func(*agent.Envelope)
	}{
		{"missing chat id", func(e *agent.Envelope) { e.ChatID = "" }},
		{"missing sender", func(e *agent.Envelope) { e.SenderID = "" }},
		{"empty content", func(e *agent.Envelope) { e.Content = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := testEnvelope("chat-1", "hello")
			tc.mutate(env)

			res, err := h(context.Background(), env)

			assert.Equal(t, agent.StatusFailed, res.Status)
			var verr *agent.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
	assert.Equal(t, 0, *calls)
}

func TestExpiryBoundaryInclusive(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	terminal, _ := completing()
	h := Chain(terminal, Expiry(ExpiryPolicy{
		MaxAge: 5 * time.Minute,
		Now:    func() time.Time { return now },
	}))

	justFresh := testEnvelope("chat-1", "hi")
	justFresh.CreatedAt = now.Add(-5*time.Minute + time.Millisecond)
	res, err := h(context.Background(), justFresh)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)

	exactlyMaxAge := testEnvelope("chat-1", "hi")
	exactlyMaxAge.CreatedAt = now.Add(-5 * time.Minute)
	res, err = h(context.Background(), exactlyMaxAge)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusExpired, res.Status)

	older := testEnvelope("chat-1", "hi")
	older.CreatedAt = now.Add(-5*time.Minute - time.Millisecond)
	res, err = h(context.Background(), older)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusExpired, res.Status)
}

func TestExpiryAppliesToEveryKind(t *testing.T) {
	now := time.Now()
	terminal, calls := completing()
	h := Chain(terminal, Expiry(ExpiryPolicy{MaxAge: 5 * time.Minute, Now: func() time.Time { return now }}))

	// A stale toggle command replayed after a reconnect must not flip
	// manual-takeover state.
	for _, kind := range []agent.Kind{agent.KindChatQuery, agent.KindCommand, agent.KindEvent} {
		env := testEnvelope("chat-1", "。")
		env.Kind = kind
		env.CreatedAt = now.Add(-time.Hour)

		res, err := h(context.Background(), env)
		require.NoError(t, err)
		assert.Equal(t, agent.StatusExpired, res.Status, "kind %s", kind)
	}
	assert.Equal(t, 0, *calls)
}

func TestManualGateSuppressesChatQueries(t *testing.T) {
	store := NewManualModeStore(time.Hour)
	store.Enter("chat-1")
	terminal, calls := completing()
	h := Chain(terminal, ManualGate(store))

	res, err := h(context.Background(), testEnvelope("chat-1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusManualMode, res.Status)
	assert.Equal(t, 0, *calls)

	// Other conversations are unaffected.
	res, err = h(context.Background(), testEnvelope("chat-2", "hello"))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)

	// Commands pass so the toggle can still be processed.
	cmd := testEnvelope("chat-1", "。")
	cmd.Kind = agent.KindCommand
	res, err = h(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
}

func TestDedupRecognizesRedelivery(t *testing.T) {
	d := NewDedup()
	terminal, calls := completing()
	h := Chain(terminal, DedupStage(d))

	env := testEnvelope("chat-1", "hello")
	res, err := h(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)

	// A redelivered copy has a fresh generator id but identical origin
	// fields; the fingerprint must still match.
	redelivered := *env
	redelivered.ID = "env-2"
	res, err = h(context.Background(), &redelivered)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusDuplicate, res.Status)
	assert.Equal(t, 1, *calls)
}

func TestDedupDistinguishesContent(t *testing.T) {
	d := NewDedup()

	a := testEnvelope("chat-1", "hello")
	b := testEnvelope("chat-1", "hello again")
	b.CreatedAt = a.CreatedAt

	assert.False(t, d.Observe(a))
	assert.False(t, d.Observe(b), "same chat and time but different content is not a duplicate")
	assert.True(t, d.Observe(a))
}

func TestDedupEvictsOldestHalfAtCapacity(t *testing.T) {
	d := NewDedup()
	d.cap = 10

	base := time.Now()
	envs := make([]*agent.Envelope, 11)
	for i := range envs {
		envs[i] = testEnvelope("chat-1", fmt.Sprintf("msg-%d", i))
		envs[i].CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.False(t, d.Observe(envs[i]))
	}

	assert.LessOrEqual(t, d.Len(), 6, "insertion at capacity evicts the oldest half")
	assert.True(t, d.Observe(envs[10]), "the newest fingerprint survives eviction")
	assert.False(t, d.Observe(envs[0]), "the oldest fingerprint was evicted")
}

func TestRateLimitPerConversation(t *testing.T) {
	r := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	terminal, _ := completing()
	h := Chain(terminal, RateLimit(r))

	for i := 0; i < 2; i++ {
		res, err := h(context.Background(), testEnvelope("chat-1", "hi"))
		require.NoError(t, err)
		assert.Equal(t, agent.StatusCompleted, res.Status)
	}

	res, err := h(context.Background(), testEnvelope("chat-1", "hi"))
	assert.Equal(t, agent.StatusFailed, res.Status)
	var rlerr *agent.RateLimitError
	require.ErrorAs(t, err, &rlerr)
	assert.Equal(t, "chat-1", rlerr.ChatID)

	// Another conversation has its own budget.
	res, err = h(context.Background(), testEnvelope("chat-2", "hi"))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)

	// The window slides: a minute later chat-1 may speak again.
	now = now.Add(time.Minute + time.Second)
	res, err = h(context.Background(), testEnvelope("chat-1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
}

func TestAssembledPipeline(t *testing.T) {
	manual := NewManualModeStore(time.Hour)
	dedup := NewDedup()
	limiter := NewRateLimiter(100, time.Minute)
	terminal, calls := completing()

	h := New(terminal, manual, dedup, limiter,
		ExpiryPolicy{MaxAge: 5 * time.Minute}, slog.Default())

	env := testEnvelope("chat-1", "hello")
	res, err := h(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, 1, *calls)

	// The same envelope again is a duplicate, not a handler call.
	res, err = h(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusDuplicate, res.Status)
	assert.Equal(t, 1, *calls)
}
