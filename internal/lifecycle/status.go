package lifecycle

import (
	"fmt"
	"slices"
)

// Status represents a message delivery lifecycle state.
type Status string

const (
	Sending   Status = "SENDING"
	Sent      Status = "SENT"
	Delivered Status = "DELIVERED"
	Read      Status = "READ"
	Failed    Status = "FAILED"
)

// rank orders the delivery chain. Failed sits outside the chain: it is
// reachable only from Sending and re-enters Sending on retry.
var rank = map[Status]int{
	Sending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// validTransitions defines allowed state transitions.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {Sending},
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Advances reports whether applying to over from moves the message forward
// on the delivery chain. A receipt that does not advance is out of order
// and must be dropped, not applied: Delivered arriving after Read leaves
// the message in Read.
func Advances(from, to Status) bool {
	if from == Failed || to == Failed {
		return CanTransition(from, to)
	}
	return rank[to] > rank[from]
}

// Transition validates and returns the new status, or an error describing
// the ordering violation.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return to, nil
}

// Terminal reports whether a status admits no further transitions.
// Failed is not terminal here: retry policy belongs to the outbox, which
// either re-enters Sending or discards the entry.
func (s Status) Terminal() bool {
	return s == Read
}
