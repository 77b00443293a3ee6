package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/fleamarkt/chatsync/internal/api"
	"github.com/fleamarkt/chatsync/internal/bus"
	"github.com/fleamarkt/chatsync/internal/lifecycle"
	"github.com/fleamarkt/chatsync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	flushInterval = 500 * time.Millisecond
	maxAttempts   = 5
)

// Sender is the slice of the REST client the outbox needs.
type Sender interface {
	SendMessage(ctx context.Context, req *api.SendMessageRequest) (*api.Message, error)
}

// Draft describes an outbound message before it is enqueued.
type Draft struct {
	ConversationID string
	Type           store.MessageType
	Content        string
	MediaID        string
	MediaKey       []byte
	ReplyToID      string
}

type entry struct {
	localID  string
	req      api.SendMessageRequest
	attempts int
}

// Outbox is the offline send queue. Enqueue creates the optimistic store
// entry immediately; a background flush loop pushes queued sends to the
// server, promoting the message identity on success and marking it Failed on
// error. After the attempt budget is spent the entry leaves the queue but the
// message stays visible as Failed so the user can retry it explicitly.
type Outbox struct {
	sender   Sender
	store    *store.Store
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	queue  []*entry
	parked map[string]*entry
	kick   chan struct{}
}

// New creates an outbox. Run must be started for queued sends to flow.
func New(sender Sender, st *store.Store, b *bus.Bus, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		sender:   sender,
		store:    st,
		bus:      b,
		logger:   logger,
		interval: flushInterval,
		parked:   make(map[string]*entry),
		kick:     make(chan struct{}, 1),
	}
}

// Enqueue creates the optimistic message and queues the send. The returned
// local ID identifies the message until the server assigns the canonical one.
// Media messages are ready immediately: the sender already holds the
// plaintext in the local cache.
func (o *Outbox) Enqueue(draft Draft) string {
	localID := uuid.NewString()

	msg := store.Message{
		Identity:       store.LocalIdentity(localID),
		ConversationID: draft.ConversationID,
		SenderID:       o.store.SelfID(),
		Type:           draft.Type,
		Content:        draft.Content,
		Status:         lifecycle.Sending,
		CreatedAt:      time.Now(),
	}
	req := api.SendMessageRequest{
		ConversationID: draft.ConversationID,
		Type:           string(draft.Type),
		Content:        draft.Content,
		ReplyToID:      draft.ReplyToID,
		ClientID:       localID,
	}
	if draft.Type.IsMedia() {
		msg.MediaRef = &store.MediaRef{MediaID: draft.MediaID}
		msg.Media = store.MediaReady
		req.Media = &api.EncryptedMedia{ID: draft.MediaID, Key: api.EncodeKey(draft.MediaKey)}
	}
	o.store.AddMessage(draft.ConversationID, msg)

	o.mu.Lock()
	o.queue = append(o.queue, &entry{localID: localID, req: req})
	o.mu.Unlock()
	o.Flush()
	return localID
}

// Retry re-queues a message that exhausted its attempt budget. No-op for
// unknown IDs.
func (o *Outbox) Retry(localID string) bool {
	o.mu.Lock()
	e, ok := o.parked[localID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	delete(o.parked, localID)
	e.attempts = 0
	o.queue = append(o.queue, e)
	o.mu.Unlock()

	o.store.UpdateMessage(e.req.ConversationID, localID, store.MessageUpdate{Status: lifecycle.Sending})
	o.Flush()
	return true
}

// Flush requests an immediate queue pass. Non-blocking; used when the
// realtime session reconnects.
func (o *Outbox) Flush() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run drives the flush loop until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.flush(ctx)
		case <-o.kick:
			o.flush(ctx)
		}
	}
}

// Pending returns the number of queued (not yet acknowledged) sends.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Outbox) flush(ctx context.Context) {
	o.mu.Lock()
	pending := make([]*entry, len(o.queue))
	copy(pending, o.queue)
	o.mu.Unlock()

	for _, e := range pending {
		if ctx.Err() != nil {
			return
		}
		if e.attempts > 0 {
			o.store.UpdateMessage(e.req.ConversationID, e.localID, store.MessageUpdate{Status: lifecycle.Sending})
		}

		resp, err := o.sender.SendMessage(ctx, &e.req)
		if err == nil {
			o.store.UpdateMessage(e.req.ConversationID, e.localID, store.MessageUpdate{
				RemoteID: resp.ID,
				Status:   lifecycle.Sent,
			})
			o.remove(e)
			o.publish("message.sent", e.localID)
			continue
		}

		e.attempts++
		o.store.UpdateMessage(e.req.ConversationID, e.localID, store.MessageUpdate{Status: lifecycle.Failed})
		if e.attempts >= maxAttempts {
			o.logger.Warn("send abandoned after retries",
				zap.String("local_id", e.localID),
				zap.Int("attempts", e.attempts),
				zap.Error(err))
			o.remove(e)
			o.mu.Lock()
			o.parked[e.localID] = e
			o.mu.Unlock()
			o.publish("message.send_failed", e.localID)
			continue
		}
		o.logger.Debug("send failed, will retry",
			zap.String("local_id", e.localID),
			zap.Int("attempts", e.attempts),
			zap.Error(err))
	}
}

func (o *Outbox) remove(target *entry) {
	o.mu.Lock()
	for i, e := range o.queue {
		if e == target {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
}

func (o *Outbox) publish(kind, localID string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: localID})
}
