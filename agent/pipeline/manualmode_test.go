package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testStore(timeout time.Duration) (*ManualModeStore, *time.Time) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewManualModeStore(timeout)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestManualModeEnterExit(t *testing.T) {
	s, _ := testStore(time.Hour)

	assert.False(t, s.IsManual("chat-1"))
	s.Enter("chat-1")
	assert.True(t, s.IsManual("chat-1"))
	assert.False(t, s.IsManual("chat-2"))

	s.Exit("chat-1")
	assert.False(t, s.IsManual("chat-1"))
	s.Exit("chat-1") // no-op
}

func TestManualModeToggleRoundTrip(t *testing.T) {
	s, _ := testStore(time.Hour)

	assert.True(t, s.Toggle("chat-1"), "first toggle enters manual mode")
	assert.True(t, s.IsManual("chat-1"))
	assert.False(t, s.Toggle("chat-1"), "second toggle returns to automation")
	assert.False(t, s.IsManual("chat-1"))
}

func TestManualModeLazyExpiry(t *testing.T) {
	s, now := testStore(time.Hour)

	s.Enter("chat-1")
	*now = now.Add(time.Hour - time.Second)
	assert.True(t, s.IsManual("chat-1"))

	*now = now.Add(time.Second)
	assert.False(t, s.IsManual("chat-1"), "timeout boundary is inclusive")
	// The expired entry was removed on read.
	*now = now.Add(-time.Hour)
	assert.False(t, s.IsManual("chat-1"))
}

func TestManualModeToggleAfterExpiryReenters(t *testing.T) {
	s, now := testStore(time.Hour)

	s.Enter("chat-1")
	*now = now.Add(2 * time.Hour)

	assert.True(t, s.Toggle("chat-1"), "toggling an expired entry re-enters manual mode")
	assert.True(t, s.IsManual("chat-1"))
}

func TestManualModeZeroTimeoutNeverExpires(t *testing.T) {
	s, now := testStore(0)

	s.Enter("chat-1")
	*now = now.Add(1000 * time.Hour)
	assert.True(t, s.IsManual("chat-1"))
}

func TestManualModeEnterResetsTimeout(t *testing.T) {
	s, now := testStore(time.Hour)

	s.Enter("chat-1")
	*now = now.Add(50 * time.Minute)
	s.Enter("chat-1")
	*now = now.Add(50 * time.Minute)
	assert.True(t, s.IsManual("chat-1"), "re-entering restarts the clock")
}
