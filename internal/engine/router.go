package engine

import (
	"context"
	"sync"

	"github.com/fleamarkt/chatsync/internal/api"
	"github.com/fleamarkt/chatsync/internal/bus"
	"github.com/fleamarkt/chatsync/internal/lifecycle"
	"github.com/fleamarkt/chatsync/internal/store"
	"github.com/fleamarkt/chatsync/internal/transport"
	"github.com/fleamarkt/chatsync/internal/typing"
	"go.uber.org/zap"
)

// Realtime is the slice of the transport session the router drives.
type Realtime interface {
	Subscribe(ctx context.Context, conversationID string)
	Unsubscribe(ctx context.Context, conversationID string)
}

// ChatAPI is the slice of the REST client the router calls.
type ChatAPI interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	MarkDelivered(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, messageID string) error
}

// MediaFetcher is the slice of the media pipeline the router triggers.
type MediaFetcher interface {
	Fetch(ctx context.Context, msg store.Message) error
	RetryPending(ctx context.Context)
}

// Flusher kicks the outbox.
type Flusher interface {
	Flush()
}

// Router consumes decoded realtime events off the bus and drives the store,
// the receipt reconciler, the typing tracker, the presence roster and the
// media pipeline. It also owns the active-conversation pointer: switching
// conversations re-targets the channel subscription, resets the unread
// counter and issues the read receipt.
//
// Network side effects (receipts, media fetches, list refreshes) run on their
// own goroutines; a failure there never blocks or breaks event handling.
type Router struct {
	store      *store.Store
	reconciler *lifecycle.Reconciler
	tracker    *typing.Tracker
	online     *typing.OnlineSet
	session    Realtime
	client     ChatAPI
	media      MediaFetcher
	outbox     Flusher
	bus        *bus.Bus
	logger     *zap.Logger

	mu     sync.Mutex
	active string
}

// NewRouter wires the event router.
func NewRouter(st *store.Store, rec *lifecycle.Reconciler, tracker *typing.Tracker, online *typing.OnlineSet, session Realtime, client ChatAPI, media MediaFetcher, ob Flusher, b *bus.Bus, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:      st,
		reconciler: rec,
		tracker:    tracker,
		online:     online,
		session:    session,
		client:     client,
		media:      media,
		outbox:     ob,
		bus:        b,
		logger:     logger,
	}
}

// ActiveConversation returns the conversation currently on screen, empty for
// none.
func (r *Router) ActiveConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActiveConversation switches the conversation on screen: the previous
// channel is left, the new one joined, its unread counter reset and the
// latest inbound message acknowledged as read.
func (r *Router) SetActiveConversation(ctx context.Context, conversationID string) {
	r.mu.Lock()
	prev := r.active
	r.active = conversationID
	r.mu.Unlock()
	if prev == conversationID {
		return
	}

	if prev != "" {
		go r.session.Unsubscribe(ctx, prev)
	}
	if conversationID == "" {
		return
	}
	go r.session.Subscribe(ctx, conversationID)
	r.store.ResetUnread(conversationID)
	r.ackThreadRead(ctx, conversationID)
}

// Bootstrap loads the conversation list into the store. Called on start and
// again whenever a notification or reconnect suggests the list is stale.
func (r *Router) Bootstrap(ctx context.Context) {
	wire, err := r.client.ListConversations(ctx)
	if err != nil {
		r.logger.Warn("conversation list refresh failed", zap.Error(err))
		return
	}
	convs := make([]store.Conversation, 0, len(wire))
	for i := range wire {
		convs = append(convs, wire[i].ToStore())
	}
	r.store.SetConversations(convs)
}

// Run consumes bus events until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	rt, unsubRT := r.bus.Subscribe("rt.", 256)
	defer unsubRT()
	session, unsubSession := r.bus.Subscribe("session.", 16)
	defer unsubSession()
	presence, unsubPresence := r.bus.Subscribe("presence.", 64)
	defer unsubPresence()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rt:
			r.handleRealtime(ctx, ev)
		case ev := <-session:
			r.handleSession(ctx, ev)
		case ev := <-presence:
			r.handlePresence(ev)
		}
	}
}

func (r *Router) handleRealtime(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case "rt.message":
		p, ok := ev.Payload.(api.Message)
		if !ok {
			return
		}
		r.handleInboundMessage(ctx, p)
	case "rt.typing":
		p, ok := ev.Payload.(transport.TypingPayload)
		if !ok {
			return
		}
		r.tracker.SetTyping(p.ConversationID, p.UserID, p.IsTyping)
	case "rt.delivered":
		if p, ok := ev.Payload.(transport.ReceiptPayload); ok {
			r.reconciler.Apply(lifecycle.Receipt{MessageID: p.MessageID, Status: lifecycle.Delivered})
		}
	case "rt.read":
		if p, ok := ev.Payload.(transport.ReceiptPayload); ok {
			r.reconciler.Apply(lifecycle.Receipt{MessageID: p.MessageID, Status: lifecycle.Read})
		}
	case "rt.notification":
		// Per-user events (a conversation opened against one of our
		// listings, for example) mean the list may be stale.
		go r.Bootstrap(ctx)
	}
}

func (r *Router) handleInboundMessage(ctx context.Context, p api.Message) {
	selfID := r.store.SelfID()
	msg := p.ToStore(selfID)
	r.store.AddMessage(msg.ConversationID, msg)

	if p.SenderID == selfID {
		// Echo of our own send; the outbox owns its lifecycle.
		return
	}

	go func() {
		if err := r.client.MarkDelivered(ctx, p.ID); err != nil {
			r.logger.Debug("delivered ack failed", zap.String("message_id", p.ID), zap.Error(err))
		}
	}()

	if r.ActiveConversation() == msg.ConversationID {
		r.store.ResetUnread(msg.ConversationID)
		go func() {
			if err := r.client.MarkRead(ctx, p.ID); err != nil {
				r.logger.Debug("read ack failed", zap.String("message_id", p.ID), zap.Error(err))
			}
		}()
	}

	if msg.MediaRef != nil {
		go func() {
			if err := r.media.Fetch(ctx, msg); err != nil {
				r.logger.Debug("media fetch deferred", zap.String("media_id", msg.MediaRef.MediaID), zap.Error(err))
			}
		}()
	}
}

func (r *Router) handleSession(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case "session.connected":
		// Reconnect voided all channel subscriptions; rejoin the active
		// conversation, drain queued sends and retry parked media.
		if active := r.ActiveConversation(); active != "" {
			go r.session.Subscribe(ctx, active)
		}
		r.outbox.Flush()
		go r.media.RetryPending(ctx)
		go r.Bootstrap(ctx)
	case "session.disconnected":
		r.online.Reset()
	}
}

func (r *Router) handlePresence(ev bus.Event) {
	p, ok := ev.Payload.(transport.PresencePayload)
	if !ok {
		return
	}
	switch ev.Kind {
	case "presence.join":
		r.online.Join(p.UserID)
	case "presence.leave":
		r.online.Leave(p.UserID)
	}
}

// ackThreadRead issues a read receipt for the newest inbound message of a
// conversation, if any.
func (r *Router) ackThreadRead(ctx context.Context, conversationID string) {
	selfID := r.store.SelfID()
	msgs := r.store.Messages(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.SenderID == selfID || !m.Identity.IsRemote() || m.Deleted {
			continue
		}
		id := m.Identity.RemoteID()
		go func() {
			if err := r.client.MarkRead(ctx, id); err != nil {
				r.logger.Debug("read ack failed", zap.String("message_id", id), zap.Error(err))
			}
		}()
		return
	}
}
