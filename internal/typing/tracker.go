package typing

import (
	"sort"
	"sync"
	"time"
)

// window is how long a typing signal stays valid without a refresh.
const window = 3 * time.Second

// Tracker records inbound typing signals per conversation. Entries carry only
// a timestamp; expiry is computed lazily on read, so there are no timers to
// leak when a conversation goes quiet.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// SetTyping records or clears a participant's typing state.
func (t *Tracker) SetTyping(conversationID, userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !isTyping {
		if users := t.entries[conversationID]; users != nil {
			delete(users, userID)
			if len(users) == 0 {
				delete(t.entries, conversationID)
			}
		}
		return
	}

	users := t.entries[conversationID]
	if users == nil {
		users = make(map[string]time.Time)
		t.entries[conversationID] = users
	}
	users[userID] = t.now()
}

// Typing returns the users currently typing in a conversation, sorted for
// stable output. Entries older than the window are pruned as a side effect.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[conversationID]
	if len(users) == 0 {
		return nil
	}

	cutoff := t.now().Add(-window)
	var out []string
	for userID, at := range users {
		if at.Before(cutoff) || at.Equal(cutoff) {
			delete(users, userID)
			continue
		}
		out = append(out, userID)
	}
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	sort.Strings(out)
	return out
}
