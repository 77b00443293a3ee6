package api

import (
	"encoding/base64"
	"time"

	"github.com/fleamarkt/chatsync/internal/lifecycle"
	"github.com/fleamarkt/chatsync/internal/store"
)

// Conversation is the wire shape of a conversation.
type Conversation struct {
	ID             string    `json:"id"`
	Participants   []string  `json:"participants"`
	Subject        string    `json:"subject"`
	ListingID      string    `json:"listingId,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// EncryptedMedia references a ciphertext blob. Key is the base64-encoded
// symmetric key and travels only inside the message payload between the two
// participants; the server persists the blob but never the key.
type EncryptedMedia struct {
	ID  string `json:"id"`
	Key string `json:"key,omitempty"`
}

// Message is the wire shape of a message.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	Media          *EncryptedMedia `json:"encryptedMedia,omitempty"`
	Status         string          `json:"status"`
	IsRead         bool            `json:"isRead"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// SendMessageRequest is the payload for sending a message. ClientID is the
// caller's idempotency key (the optimistic entry's local ID).
type SendMessageRequest struct {
	ConversationID string          `json:"conversationId"`
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	Media          *EncryptedMedia `json:"encryptedMedia,omitempty"`
	ReplyToID      string          `json:"replyToId,omitempty"`
	ClientID       string          `json:"clientId"`
}

// StartConversationRequest opens a thread from a listing context.
type StartConversationRequest struct {
	ListingID string `json:"listingId"`
	PeerID    string `json:"peerId"`
	Subject   string `json:"subject,omitempty"`
}

// ToStore converts a wire conversation to the store model.
func (c *Conversation) ToStore() store.Conversation {
	var pair [2]string
	copy(pair[:], c.Participants)
	return store.Conversation{
		ID:             c.ID,
		Participants:   pair,
		Subject:        c.Subject,
		ListingID:      c.ListingID,
		UnreadCount:    c.UnreadCount,
		LastActivityAt: c.LastActivityAt,
	}
}

// ToStore converts a wire message to the store model. selfID decides whether
// media is immediately ready: the sender already holds the plaintext.
func (m *Message) ToStore(selfID string) store.Message {
	msg := store.Message{
		Identity:        store.RemoteIdentity(m.ID),
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		Type:            store.MessageType(m.Type),
		Content:         m.Content,
		Status:          parseStatus(m.Status),
		ReadByRecipient: m.IsRead,
		CreatedAt:       m.CreatedAt,
	}
	if m.Media != nil {
		key, _ := base64.StdEncoding.DecodeString(m.Media.Key)
		msg.MediaRef = &store.MediaRef{MediaID: m.Media.ID, Key: key}
		if m.SenderID == selfID {
			msg.Media = store.MediaReady
		} else {
			msg.Media = store.MediaPending
		}
	}
	return msg
}

func parseStatus(s string) lifecycle.Status {
	switch s {
	case "sending":
		return lifecycle.Sending
	case "sent":
		return lifecycle.Sent
	case "delivered":
		return lifecycle.Delivered
	case "read":
		return lifecycle.Read
	case "failed":
		return lifecycle.Failed
	default:
		return lifecycle.Sent
	}
}

// EncodeKey encodes a symmetric key for the message payload.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
