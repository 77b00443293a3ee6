package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fleamarkt/chatsync/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by outbound commands while no connection is up.
var ErrNotConnected = errors.New("transport: not connected")

// State is the realtime connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	subscribeAttempts = 5
	subscribeDelay    = time.Second

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	heartbeatInterval = 25 * time.Second
)

// wire is the frame-level connection boundary, satisfied by a websocket
// connection and by test fakes.
type wire interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

type wsWire struct {
	conn *websocket.Conn
}

func (w *wsWire) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsWire) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsWire) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *wsWire) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// Session owns the single realtime connection: connect/reconnect with capped
// backoff, per-conversation channel subscriptions, the per-user notification
// channel and the presence channel. Transport failures surface only as
// connection-state changes on the bus, never as errors thrown into the event
// path. A connection loss voids every per-conversation subscription; the
// owner re-subscribes to the active conversation on the connected event.
type Session struct {
	url    string
	token  string
	userID string
	bus    *bus.Bus
	logger *zap.Logger

	// dial is swapped by tests for a fake wire.
	dial     func(ctx context.Context) (wire, error)
	subDelay time.Duration

	mu      sync.Mutex
	state   State
	conn    wire
	subs    map[string]bool
	cancel  context.CancelFunc
	closed  bool
	attempt int
}

// NewSession creates a realtime session. Start must be called before any
// subscribe or send.
func NewSession(url, token, userID string, b *bus.Bus, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		url:      url,
		token:    token,
		userID:   userID,
		bus:      b,
		logger:   logger,
		subDelay: subscribeDelay,
		subs:     make(map[string]bool),
	}
	s.dial = func(ctx context.Context) (wire, error) {
		conn, _, err := websocket.Dial(ctx, s.url+"?token="+s.token, nil)
		if err != nil {
			return nil, err
		}
		return &wsWire{conn: conn}, nil
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the connect/reconnect loop. It returns immediately; progress
// is announced via session.connected and session.disconnected bus events.
func (s *Session) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.closed = false
	s.mu.Unlock()
	go s.run(runCtx)
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = Disconnected
	s.subs = make(map[string]bool)
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.connect(ctx)
		if err != nil {
			delay := s.nextDelay()
			s.logger.Warn("realtime connect failed",
				zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		connCtx, cancelConn := context.WithCancel(ctx)
		go s.heartbeat(connCtx, conn)
		err = s.readLoop(ctx, conn)
		cancelConn()

		s.mu.Lock()
		closed := s.closed
		s.conn = nil
		s.state = Disconnected
		// All channel subscriptions die with the connection.
		s.subs = make(map[string]bool)
		s.mu.Unlock()
		_ = conn.Close()

		if closed || ctx.Err() != nil {
			return
		}
		s.logger.Info("realtime connection lost", zap.Error(err))
		s.publish("session.disconnected", nil)
	}
}

func (s *Session) connect(ctx context.Context) (wire, error) {
	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Connected
	s.attempt = 0
	s.mu.Unlock()

	// Per-user notifications and presence are session-wide channels, joined
	// once per connection. Conversation channels are the caller's business.
	if err := s.writeCommand(ctx, conn, Command{Type: "user.subscribe", Payload: map[string]string{"userId": s.userID}}); err != nil {
		s.logger.Warn("user channel subscribe failed", zap.Error(err))
	}
	if err := s.writeCommand(ctx, conn, Command{Type: "presence.subscribe"}); err != nil {
		s.logger.Warn("presence channel subscribe failed", zap.Error(err))
	}

	s.logger.Info("realtime connected")
	s.publish("session.connected", nil)
	return conn, nil
}

func (s *Session) readLoop(ctx context.Context, conn wire) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, ok := decode(data)
		if !ok {
			s.logger.Debug("dropping unrecognized realtime frame")
			continue
		}
		s.bus.Publish(ev)
	}
}

func (s *Session) heartbeat(ctx context.Context, conn wire) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force the read loop to fail and reconnect.
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) nextDelay() time.Duration {
	s.mu.Lock()
	attempt := s.attempt
	s.attempt++
	s.mu.Unlock()
	delay := time.Duration(float64(reconnectBaseDelay) * math.Pow(2, float64(attempt)))
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}

// Subscribe joins a conversation channel. Idempotent: a second call for an
// already-subscribed conversation is a no-op. While the connection is not up
// the attempt is retried on a fixed delay a bounded number of times, then
// gives up silently; the caller may invoke it again.
func (s *Session) Subscribe(ctx context.Context, conversationID string) {
	for attempt := 0; attempt < subscribeAttempts; attempt++ {
		s.mu.Lock()
		if s.subs[conversationID] {
			s.mu.Unlock()
			return
		}
		var conn wire
		if s.state == Connected {
			conn = s.conn
		}
		s.mu.Unlock()

		if conn != nil {
			err := s.writeCommand(ctx, conn, Command{
				Type:    "conversation.join",
				Payload: map[string]string{"conversationId": conversationID},
			})
			if err == nil {
				s.mu.Lock()
				s.subs[conversationID] = true
				s.mu.Unlock()
				return
			}
			s.logger.Debug("conversation subscribe failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.subDelay):
		}
	}
	s.logger.Debug("conversation subscribe gave up",
		zap.String("conversation_id", conversationID))
}

// Unsubscribe leaves a conversation channel. Safe to call at any point, even
// if the subscription never completed or the connection is gone.
func (s *Session) Unsubscribe(ctx context.Context, conversationID string) {
	s.mu.Lock()
	subscribed := s.subs[conversationID]
	delete(s.subs, conversationID)
	conn := s.conn
	s.mu.Unlock()

	if !subscribed || conn == nil {
		return
	}
	err := s.writeCommand(ctx, conn, Command{
		Type:    "conversation.leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
	if err != nil {
		s.logger.Debug("conversation unsubscribe failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Subscribed reports whether a conversation channel is currently joined.
func (s *Session) Subscribed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[conversationID]
}

// SendTyping emits a typing start/stop signal on a conversation channel.
func (s *Session) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	kind := "typing.stop"
	if isTyping {
		kind = "typing.start"
	}
	return s.writeCommand(ctx, conn, Command{
		Type:    kind,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

func (s *Session) writeCommand(ctx context.Context, conn wire, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return conn.Write(ctx, data)
}

func (s *Session) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
