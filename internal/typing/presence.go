package typing

import (
	"sort"
	"sync"
	"time"
)

// OnlineSet is the roster of users currently connected to the presence
// channel. Fed by join/leave events, never persisted.
type OnlineSet struct {
	mu    sync.Mutex
	users map[string]time.Time
}

// NewOnlineSet creates an empty roster.
func NewOnlineSet() *OnlineSet {
	return &OnlineSet{users: make(map[string]time.Time)}
}

// Join adds a user to the roster.
func (o *OnlineSet) Join(userID string) {
	o.mu.Lock()
	o.users[userID] = time.Now()
	o.mu.Unlock()
}

// Leave removes a user from the roster.
func (o *OnlineSet) Leave(userID string) {
	o.mu.Lock()
	delete(o.users, userID)
	o.mu.Unlock()
}

// IsOnline reports whether a user is on the roster.
func (o *OnlineSet) IsOnline(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.users[userID]
	return ok
}

// Users returns the roster sorted by user ID.
func (o *OnlineSet) Users() []string {
	o.mu.Lock()
	out := make([]string, 0, len(o.users))
	for userID := range o.users {
		out = append(out, userID)
	}
	o.mu.Unlock()
	sort.Strings(out)
	return out
}

// Reset clears the roster, used when the realtime connection drops and the
// server-side roster is no longer authoritative.
func (o *OnlineSet) Reset() {
	o.mu.Lock()
	o.users = make(map[string]time.Time)
	o.mu.Unlock()
}
