package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleamarkt/chatsync/internal/api"
	"github.com/fleamarkt/chatsync/internal/bus"
)

// fakeWire is a scriptable connection: frames pushed into inbound come out of
// Read, written commands are collected for inspection.
type fakeWire struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	writeErr error
	closed   bool
}

func newFakeWire() *fakeWire {
	return &fakeWire{inbound: make(chan []byte, 16)}
}

func (f *fakeWire) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeWire) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeWire) Ping(context.Context) error { return nil }

func (f *fakeWire) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeWire) commands(t *testing.T) []Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, 0, len(f.written))
	for _, data := range f.written {
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			t.Fatalf("written frame is not a command: %v", err)
		}
		out = append(out, cmd)
	}
	return out
}

func testSession(t *testing.T, w *fakeWire, b *bus.Bus) *Session {
	t.Helper()
	s := NewSession("ws://unused", "token", "user-1", b, nil)
	s.subDelay = time.Millisecond
	s.dial = func(context.Context) (wire, error) { return w, nil }
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestStartConnectsAndAnnounces(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("session.", 4)
	defer unsub()

	w := newFakeWire()
	s := testSession(t, w, b)
	s.Start(context.Background())

	select {
	case ev := <-events:
		if ev.Kind != "session.connected" {
			t.Fatalf("first session event = %s", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session.connected event")
	}
	if s.State() != Connected {
		t.Errorf("state = %s, want connected", s.State())
	}

	// Session-wide channels are joined on connect.
	waitFor(t, "session channel joins", func() bool { return len(w.commands(t)) >= 2 })
	cmds := w.commands(t)
	if cmds[0].Type != "user.subscribe" || cmds[1].Type != "presence.subscribe" {
		t.Errorf("connect commands = %s, %s", cmds[0].Type, cmds[1].Type)
	}
}

func TestReadLoopDecodesAndPublishes(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("rt.", 16)
	defer unsub()

	w := newFakeWire()
	s := testSession(t, w, b)
	s.Start(context.Background())
	waitFor(t, "connect", func() bool { return s.State() == Connected })

	w.inbound <- []byte(`{"type":"message","payload":{"id":"42","conversationId":"c1","senderId":"peer","type":"text","content":"hi","status":"sent","createdAt":"2026-08-30T10:00:00Z"}}`)
	w.inbound <- []byte(`not json at all`)
	w.inbound <- []byte(`{"type":"read","payload":{"messageId":"42"}}`)

	ev := <-events
	if ev.Kind != "rt.message" {
		t.Fatalf("first event = %s", ev.Kind)
	}
	msg, ok := ev.Payload.(api.Message)
	if !ok || msg.ID != "42" || msg.Content != "hi" {
		t.Fatalf("decoded message = %#v", ev.Payload)
	}

	// The garbage frame is skipped, the receipt comes through next.
	ev = <-events
	if ev.Kind != "rt.read" {
		t.Fatalf("second event = %s", ev.Kind)
	}
	if r := ev.Payload.(ReceiptPayload); r.MessageID != "42" {
		t.Fatalf("receipt = %#v", r)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	w := newFakeWire()
	s := testSession(t, w, bus.New())
	s.Start(context.Background())
	waitFor(t, "connect", func() bool { return s.State() == Connected })

	s.Subscribe(context.Background(), "c1")
	s.Subscribe(context.Background(), "c1")
	if !s.Subscribed("c1") {
		t.Fatal("not subscribed after Subscribe")
	}

	joins := 0
	for _, cmd := range w.commands(t) {
		if cmd.Type == "conversation.join" {
			joins++
		}
	}
	if joins != 1 {
		t.Errorf("join commands = %d, want 1", joins)
	}
}

func TestSubscribeGivesUpSilentlyWhileDisconnected(t *testing.T) {
	s := NewSession("ws://unused", "token", "user-1", bus.New(), nil)
	s.subDelay = time.Millisecond

	done := make(chan struct{})
	go func() {
		s.Subscribe(context.Background(), "c1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not give up")
	}
	if s.Subscribed("c1") {
		t.Error("subscribed flag set without a connection")
	}
}

func TestUnsubscribeSafeWithoutSubscription(t *testing.T) {
	s := NewSession("ws://unused", "token", "user-1", bus.New(), nil)
	s.Unsubscribe(context.Background(), "never-joined")

	w := newFakeWire()
	s = testSession(t, w, bus.New())
	s.Start(context.Background())
	waitFor(t, "connect", func() bool { return s.State() == Connected })

	s.Subscribe(context.Background(), "c1")
	s.Unsubscribe(context.Background(), "c1")
	if s.Subscribed("c1") {
		t.Error("still subscribed after Unsubscribe")
	}

	var leaves int
	for _, cmd := range w.commands(t) {
		if cmd.Type == "conversation.leave" {
			leaves++
		}
	}
	if leaves != 1 {
		t.Errorf("leave commands = %d, want 1", leaves)
	}
}

func TestConnectionLossVoidsSubscriptions(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("session.", 8)
	defer unsub()

	first := newFakeWire()
	second := newFakeWire()
	dials := 0

	s := NewSession("ws://unused", "token", "user-1", b, nil)
	s.subDelay = time.Millisecond
	s.dial = func(context.Context) (wire, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}
	t.Cleanup(s.Close)
	s.Start(context.Background())

	if ev := <-events; ev.Kind != "session.connected" {
		t.Fatalf("event = %s", ev.Kind)
	}
	s.Subscribe(context.Background(), "c1")

	// Kill the first connection; the session must drop the subscription,
	// announce the loss and reconnect.
	_ = first.Close()

	sawDisconnected := false
	for !sawDisconnected {
		select {
		case ev := <-events:
			if ev.Kind == "session.disconnected" {
				sawDisconnected = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no session.disconnected event")
		}
	}
	if s.Subscribed("c1") {
		t.Error("subscription survived a connection loss")
	}

	select {
	case ev := <-events:
		if ev.Kind != "session.connected" {
			t.Fatalf("event after loss = %s", ev.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect")
	}
}

func TestSendTypingRequiresConnection(t *testing.T) {
	s := NewSession("ws://unused", "token", "user-1", bus.New(), nil)
	if err := s.SendTyping(context.Background(), "c1", true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}

	w := newFakeWire()
	s = testSession(t, w, bus.New())
	s.Start(context.Background())
	waitFor(t, "connect", func() bool { return s.State() == Connected })

	if err := s.SendTyping(context.Background(), "c1", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SendTyping(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for _, cmd := range w.commands(t) {
		if cmd.Type == "typing.start" || cmd.Type == "typing.stop" {
			kinds = append(kinds, cmd.Type)
		}
	}
	if len(kinds) != 2 || kinds[0] != "typing.start" || kinds[1] != "typing.stop" {
		t.Errorf("typing commands = %v", kinds)
	}
}

func TestDecodeEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		data string
		kind string
	}{
		{"typing", `{"type":"typing","payload":{"conversationId":"c1","userId":"u2","isTyping":true}}`, "rt.typing"},
		{"delivered", `{"type":"delivered","payload":{"messageId":"9"}}`, "rt.delivered"},
		{"presence join", `{"type":"presence.join","payload":{"userId":"u2"}}`, "presence.join"},
		{"presence leave", `{"type":"presence.leave","payload":{"userId":"u2"}}`, "presence.leave"},
		{"notification", `{"type":"notification","payload":{"event":"conversation.new","conversationId":"c9"}}`, "rt.notification"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := decode([]byte(tc.data))
			if !ok {
				t.Fatal("decode failed")
			}
			if ev.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", ev.Kind, tc.kind)
			}
		})
	}

	for _, bad := range []string{`{}`, `{"type":"unknown","payload":{}}`, `{"type":"typing","payload":"nope"}`, `garbage`} {
		if _, ok := decode([]byte(bad)); ok {
			t.Errorf("decode(%q) should fail", bad)
		}
	}
}
