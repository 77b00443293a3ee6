package store

import (
	"time"

	"github.com/fleamarkt/chatsync/internal/lifecycle"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeVoice  MessageType = "voice"
	TypePhoto  MessageType = "photo"
	TypeVideo  MessageType = "video"
	TypeSystem MessageType = "system"
)

// IsMedia reports whether messages of this type carry an encrypted blob.
func (t MessageType) IsMedia() bool {
	return t == TypeVoice || t == TypePhoto || t == TypeVideo
}

// MediaState tracks whether the device holds a decrypted local copy of a
// message's referenced media. It is independent of delivery status: a
// delivered message can still be waiting on its blob.
type MediaState int

const (
	// MediaNone means the message references no media.
	MediaNone MediaState = iota
	// MediaPending means the blob could not be fetched or decrypted yet;
	// the key is preserved in the vault for retry.
	MediaPending
	// MediaReady means the decrypted blob sits in the local cache.
	MediaReady
)

// DeleteScope says who a tombstoned message is hidden from.
type DeleteScope string

const (
	DeleteForMe       DeleteScope = "me"
	DeleteForEveryone DeleteScope = "everyone"
)

// MediaRef points at an encrypted blob. Key is the symmetric decryption key
// carried in the message payload between the two participants; it is cleared
// once consumed (decrypted and cached, or parked in the vault).
type MediaRef struct {
	MediaID string
	Key     []byte
}

// Identity names a message either by its client-assigned local ID (while the
// optimistic entry is in flight) or by the canonical server-assigned ID.
// Promotion from local to remote happens exactly once; the local ID is
// retained afterwards only to reconcile late in-flight references.
type Identity struct {
	remote string
	local  string
}

// LocalIdentity creates an identity for an optimistic, unacknowledged message.
func LocalIdentity(localID string) Identity {
	return Identity{local: localID}
}

// RemoteIdentity creates an identity for a server-acknowledged message.
func RemoteIdentity(id string) Identity {
	return Identity{remote: id}
}

// IsRemote reports whether the server ID has been assigned.
func (id Identity) IsRemote() bool { return id.remote != "" }

// RemoteID returns the server-assigned ID, empty while in flight.
func (id Identity) RemoteID() string { return id.remote }

// LocalID returns the client-assigned ID, empty for inbound messages.
func (id Identity) LocalID() string { return id.local }

// String returns the canonical identity: the remote ID once assigned,
// the local ID before that.
func (id Identity) String() string {
	if id.remote != "" {
		return id.remote
	}
	return id.local
}

// Matches reports whether ref names this message by either ID.
func (id Identity) Matches(ref string) bool {
	if ref == "" {
		return false
	}
	return id.remote == ref || id.local == ref
}

// promote assigns the server ID. Only the first promotion sticks.
func (id *Identity) promote(remote string) bool {
	if id.remote != "" || remote == "" {
		return false
	}
	id.remote = remote
	return true
}

// Message is a single entry in a conversation's message list. The store is
// the sole mutator; readers always receive copies.
type Message struct {
	Identity        Identity
	ConversationID  string
	SenderID        string
	Type            MessageType
	Content         string
	MediaRef        *MediaRef
	Status          lifecycle.Status
	ReadByRecipient bool
	CreatedAt       time.Time
	Media           MediaState
	Deleted         bool
}

// Conversation is a two-party thread, optionally anchored to a listing.
// Conversations are created server-side; locally only unread-counter and
// last-activity bookkeeping mutate them, and they are never deleted.
type Conversation struct {
	ID             string
	Participants   [2]string
	Subject        string
	ListingID      string
	LastActivityAt time.Time
	UnreadCount    int
}

// Peer returns the participant that is not selfID.
func (c *Conversation) Peer(selfID string) string {
	if c.Participants[0] == selfID {
		return c.Participants[1]
	}
	return c.Participants[0]
}
