package sync

import (
	"context"
	"time"

	"github.com/fleamarkt/chatsync/internal/api"
	"github.com/fleamarkt/chatsync/internal/store"
	"go.uber.org/zap"
)

// Fetcher is the slice of the REST client the loop needs.
type Fetcher interface {
	ListMessages(ctx context.Context, conversationID string) ([]api.Message, error)
}

// Loop is the disconnected-mode fallback: while the realtime session is not
// connected it re-fetches the active conversation on a fixed interval and
// replaces the store snapshot, keeping the thread eventually consistent
// without the realtime channel. The loop is inert while connected.
//
// The active conversation is read fresh on every tick, so a conversation
// switch needs no explicit cancellation.
type Loop struct {
	fetcher   Fetcher
	store     *store.Store
	connected func() bool
	active    func() string
	interval  time.Duration
	logger    *zap.Logger
}

// New creates a reconciliation loop. connected reports the realtime session
// state and active names the conversation currently on screen (empty for
// none).
func New(fetcher Fetcher, st *store.Store, connected func() bool, active func() string, interval time.Duration, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Loop{
		fetcher:   fetcher,
		store:     st,
		connected: connected,
		active:    active,
		interval:  interval,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if l.connected() {
		return
	}
	conversationID := l.active()
	if conversationID == "" {
		return
	}

	wire, err := l.fetcher.ListMessages(ctx, conversationID)
	if err != nil {
		l.logger.Debug("offline poll failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	msgs := make([]store.Message, 0, len(wire))
	for i := range wire {
		msgs = append(msgs, wire[i].ToStore(l.store.SelfID()))
	}
	l.store.SetMessages(conversationID, msgs)
	l.logger.Debug("offline poll reconciled",
		zap.String("conversation_id", conversationID), zap.Int("messages", len(msgs)))
}
