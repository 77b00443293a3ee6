package transport

import (
	"encoding/json"
	"time"

	"github.com/fleamarkt/chatsync/internal/api"
	"github.com/fleamarkt/chatsync/internal/bus"
)

// Envelope is the wire format for every server-to-client realtime event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server realtime command.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// TypingPayload signals a participant starting or stopping typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReceiptPayload carries a delivered or read acknowledgment for one message.
type ReceiptPayload struct {
	MessageID string `json:"messageId"`
}

// PresencePayload announces a user joining or leaving the presence channel.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// NotificationPayload is a per-user channel event (new conversation, listing
// update and the like). The engine only needs the conversation reference.
type NotificationPayload struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId,omitempty"`
}

// decode translates a raw websocket frame into a bus event. The realtime
// channel carries the same message JSON as the REST list endpoint, so the
// "message" payload reuses the api wire struct. Unknown or malformed frames
// return ok=false and are skipped by the read loop.
func decode(data []byte) (bus.Event, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bus.Event{}, false
	}

	ev := bus.Event{Timestamp: time.Now()}
	switch env.Type {
	case "message":
		var p api.Message
		if json.Unmarshal(env.Payload, &p) != nil {
			return bus.Event{}, false
		}
		ev.Kind = "rt.message"
		ev.Payload = p
	case "typing":
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return bus.Event{}, false
		}
		ev.Kind = "rt.typing"
		ev.Payload = p
	case "delivered", "read":
		var p ReceiptPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return bus.Event{}, false
		}
		ev.Kind = "rt." + env.Type
		ev.Payload = p
	case "notification":
		var p NotificationPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return bus.Event{}, false
		}
		ev.Kind = "rt.notification"
		ev.Payload = p
	case "presence.join", "presence.leave":
		var p PresencePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return bus.Event{}, false
		}
		ev.Kind = env.Type
		ev.Payload = p
	default:
		return bus.Event{}, false
	}
	return ev, true
}
