package lifecycle

import "go.uber.org/zap"

// StatusStore is the slice of the conversation store the reconciler mutates.
type StatusStore interface {
	UpdateMessageStatus(messageID string, status Status) bool
}

// Receipt is a server-driven delivery signal for a single message. The
// client never infers Delivered or Read on its own; it only applies what
// the server emits.
type Receipt struct {
	MessageID string
	Status    Status
}

// Reconciler applies delivery/read receipts to the store. Out-of-order
// receipts are dropped silently and logged; they are never surfaced as
// errors into the event path.
type Reconciler struct {
	store  StatusStore
	logger *zap.Logger
}

// NewReconciler creates a receipt reconciler.
func NewReconciler(store StatusStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}
}

// Apply applies a receipt. Returns true if the store advanced.
func (r *Reconciler) Apply(rcpt Receipt) bool {
	if rcpt.MessageID == "" {
		return false
	}
	if !r.store.UpdateMessageStatus(rcpt.MessageID, rcpt.Status) {
		r.logger.Debug("dropped out-of-order or unknown receipt",
			zap.String("message_id", rcpt.MessageID),
			zap.String("status", string(rcpt.Status)))
		return false
	}
	return true
}
