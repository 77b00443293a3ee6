package store

import (
	"sort"
	"sync"
	"time"

	"github.com/fleamarkt/chatsync/internal/bus"
	"github.com/fleamarkt/chatsync/internal/lifecycle"
	"go.uber.org/zap"
)

// Store is the authoritative in-memory cache of conversations and their
// message lists. All mutations are serialized through one mutex and apply
// atomically; readers always observe a consistent snapshot and only ever
// receive copies. The store performs no I/O.
type Store struct {
	mu     sync.RWMutex
	selfID string
	convs  map[string]*Conversation
	msgs   map[string][]*Message
	bus    *bus.Bus
	logger *zap.Logger
}

// MessageUpdate is a partial-update patch for UpdateMessage. Zero-valued
// fields are left untouched. Status is applied monotonically: a patch that
// would regress the delivery chain keeps the current status.
type MessageUpdate struct {
	RemoteID        string
	Status          lifecycle.Status
	Content         *string
	Media           *MediaState
	ReadByRecipient *bool
	ClearMediaKey   bool
}

// New creates an empty store for the given local user.
func New(selfID string, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		selfID: selfID,
		convs:  make(map[string]*Conversation),
		msgs:   make(map[string][]*Message),
		bus:    b,
		logger: logger,
	}
}

// SelfID returns the local user's ID.
func (s *Store) SelfID() string { return s.selfID }

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// SetConversations replaces the cached conversation list (initial load).
func (s *Store) SetConversations(convs []Conversation) {
	s.mu.Lock()
	s.convs = make(map[string]*Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		s.convs[c.ID] = &c
	}
	s.mu.Unlock()
	s.publish("conversation.snapshot", len(convs))
}

// UpsertConversation inserts or replaces a single conversation.
func (s *Store) UpsertConversation(c Conversation) {
	s.mu.Lock()
	s.convs[c.ID] = &c
	s.mu.Unlock()
	s.publish("conversation.updated", c.ID)
}

// Conversation returns a copy of the conversation, if cached.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Conversations returns copies sorted by last activity, newest first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// ResetUnread zeroes a conversation's unread counter (conversation opened).
func (s *Store) ResetUnread(conversationID string) {
	s.mu.Lock()
	if c, ok := s.convs[conversationID]; ok && c.UnreadCount != 0 {
		c.UnreadCount = 0
		s.mu.Unlock()
		s.publish("conversation.updated", conversationID)
		return
	}
	s.mu.Unlock()
}

// SetMessages replaces the cached message list for a conversation. Used on
// initial load and by the disconnected-mode reconciliation loop.
func (s *Store) SetMessages(conversationID string, msgs []Message) {
	s.mu.Lock()
	list := make([]*Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		m.ConversationID = conversationID
		list = append(list, &m)
	}
	s.msgs[conversationID] = list
	s.mu.Unlock()
	s.publish("message.snapshot", conversationID)
}

// AddMessage appends a message, deduplicating by server ID if assigned and
// by local ID otherwise. A duplicate merges content and advances status
// instead of appending. The list is re-sorted only if the incoming timestamp
// lands out of order; insertion order is the norm, the sort is defensive.
func (s *Store) AddMessage(conversationID string, msg Message) {
	msg.ConversationID = conversationID

	s.mu.Lock()
	list := s.msgs[conversationID]

	if existing := findLocked(list, dedupKey(&msg)); existing != nil {
		existing.Content = msg.Content
		if msg.MediaRef != nil {
			existing.MediaRef = msg.MediaRef
		}
		if msg.Status != "" && lifecycle.Advances(existing.Status, msg.Status) {
			existing.Status = msg.Status
		}
		s.mu.Unlock()
		s.publish("message.updated", msg.Identity.String())
		return
	}

	outOfOrder := len(list) > 0 && msg.CreatedAt.Before(list[len(list)-1].CreatedAt)
	m := msg
	list = append(list, &m)
	if outOfOrder {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
	}
	s.msgs[conversationID] = list

	if c, ok := s.convs[conversationID]; ok {
		if msg.CreatedAt.After(c.LastActivityAt) {
			c.LastActivityAt = msg.CreatedAt
		}
		if msg.SenderID != s.selfID {
			c.UnreadCount++
		}
	}
	s.mu.Unlock()
	s.publish("message.added", msg.Identity.String())
}

// UpdateMessage merges a partial update into the message matching ref by
// server-or-local ID. No-op if the message is not found. A RemoteID in the
// patch promotes a local identity exactly once; if a message carrying that
// server ID already exists (the realtime echo won the race), the optimistic
// entry is folded into it.
func (s *Store) UpdateMessage(conversationID, ref string, upd MessageUpdate) bool {
	s.mu.Lock()
	list := s.msgs[conversationID]
	target := findLocked(list, ref)
	if target == nil {
		s.mu.Unlock()
		return false
	}

	if upd.RemoteID != "" && !target.Identity.IsRemote() {
		if echo := findLocked(list, upd.RemoteID); echo != nil && echo != target {
			// Fold the optimistic entry into the already-stored echo.
			s.msgs[conversationID] = removeLocked(list, target)
			target = echo
		} else {
			target.Identity.promote(upd.RemoteID)
		}
	}

	if upd.Status != "" && lifecycle.Advances(target.Status, upd.Status) {
		target.Status = upd.Status
	}
	if upd.Content != nil {
		target.Content = *upd.Content
	}
	if upd.Media != nil {
		target.Media = *upd.Media
	}
	if upd.ReadByRecipient != nil {
		target.ReadByRecipient = *upd.ReadByRecipient
	}
	if upd.ClearMediaKey && target.MediaRef != nil {
		target.MediaRef = &MediaRef{MediaID: target.MediaRef.MediaID}
	}
	ident := target.Identity.String()
	s.mu.Unlock()
	s.publish("message.updated", ident)
	return true
}

// UpdateMessageStatus advances the delivery status of the message matching
// messageID in any conversation. Returns false when the message is unknown
// or the receipt is out of order; an out-of-order receipt never downgrades
// the stored status.
func (s *Store) UpdateMessageStatus(messageID string, status lifecycle.Status) bool {
	s.mu.Lock()
	for _, list := range s.msgs {
		if m := findLocked(list, messageID); m != nil {
			if !lifecycle.Advances(m.Status, status) {
				s.mu.Unlock()
				return false
			}
			m.Status = status
			if status == lifecycle.Read {
				m.ReadByRecipient = true
			}
			s.mu.Unlock()
			s.publish("message.updated", messageID)
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// MarkMessageDeleted tombstones a message: content and media reference are
// dropped, the entry keeps its position in the list.
func (s *Store) MarkMessageDeleted(messageID string, scope DeleteScope) bool {
	s.mu.Lock()
	for _, list := range s.msgs {
		if m := findLocked(list, messageID); m != nil {
			m.Deleted = true
			m.Content = ""
			m.MediaRef = nil
			m.Media = MediaNone
			s.mu.Unlock()
			s.publish("message.deleted", messageID)
			_ = scope // both scopes tombstone locally; the server owns the fan-out
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Messages returns copies of a conversation's message list in display order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.msgs[conversationID]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}

// Message returns a copy of the message matching ref within a conversation.
func (s *Store) Message(conversationID, ref string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := findLocked(s.msgs[conversationID], ref); m != nil {
		return *m, true
	}
	return Message{}, false
}

func dedupKey(m *Message) string {
	if m.Identity.IsRemote() {
		return m.Identity.RemoteID()
	}
	return m.Identity.LocalID()
}

func findLocked(list []*Message, ref string) *Message {
	for _, m := range list {
		if m.Identity.Matches(ref) {
			return m
		}
	}
	return nil
}

func removeLocked(list []*Message, target *Message) []*Message {
	for i, m := range list {
		if m == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
