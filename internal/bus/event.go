package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "rt.*" for decoded realtime events,
// "message.*" for store mutations, "session.*" for connection state,
// "media.*" for pipeline progress, "presence.*" for roster changes.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
