package pipeline

import (
	"sync"
	"time"
)

// ManualModeStore tracks conversations an operator has taken over. Entries
// expire lazily: expiry is evaluated on read, there is no sweeper
// goroutine, so a conversation silently returns to automation once its
// timeout passes.
type ManualModeStore struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time // chat id -> entry time
}

// NewManualModeStore builds a store with the given takeover timeout. A
// zero timeout means entries never expire.
func NewManualModeStore(timeout time.Duration) *ManualModeStore {
	return &ManualModeStore{
		timeout: timeout,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// Enter places the conversation under operator control, resetting the
// timeout if it already was.
func (s *ManualModeStore) Enter(chatID string) {
	s.mu.Lock()
	s.entries[chatID] = s.now()
	s.mu.Unlock()
}

// Exit returns the conversation to automation. Exiting a conversation not
// in manual mode is a no-op.
func (s *ManualModeStore) Exit(chatID string) {
	s.mu.Lock()
	delete(s.entries, chatID)
	s.mu.Unlock()
}

// Toggle flips the conversation's mode and reports whether it is in manual
// mode afterwards. An expired entry counts as automatic, so toggling it
// re-enters manual mode.
func (s *ManualModeStore) Toggle(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entered, ok := s.entries[chatID]; ok && !s.expired(entered) {
		delete(s.entries, chatID)
		return false
	}
	s.entries[chatID] = s.now()
	return true
}

// IsManual reports whether the conversation is under operator control,
// removing the entry if its timeout has passed.
func (s *ManualModeStore) IsManual(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entered, ok := s.entries[chatID]
	if !ok {
		return false
	}
	if s.expired(entered) {
		delete(s.entries, chatID)
		return false
	}
	return true
}

func (s *ManualModeStore) expired(entered time.Time) bool {
	return s.timeout > 0 && s.now().Sub(entered) >= s.timeout
}
