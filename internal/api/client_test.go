package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleamarkt/chatsync/internal/lifecycle"
	"github.com/fleamarkt/chatsync/internal/store"
)

func TestListMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/conversations/c1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Message{
			{ID: "m1", ConversationID: "c1", SenderID: "peer", Type: "text", Content: "hi", Status: "delivered", CreatedAt: time.UnixMilli(1000)},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	msgs, err := c.ListMessages(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.ClientID != "local-1" {
			t.Errorf("clientId = %q, want local-1", req.ClientID)
		}
		_ = json.NewEncoder(w).Encode(Message{
			ID: "42", ConversationID: req.ConversationID,
			Type: req.Type, Content: req.Content, Status: "sent",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	msg, err := c.SendMessage(context.Background(), &SendMessageRequest{
		ConversationID: "c1", Type: "text", Content: "hello", ClientID: "local-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "42" {
		t.Errorf("id = %q, want 42", msg.ID)
	}
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conversation not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.ListMessages(context.Background(), "ghost")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *api.Error", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", apiErr.Status)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	blob := []byte{0xde, 0xad, 0xbe, 0xef}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/media":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "blob-1"})
		case r.Method == "GET" && r.URL.Path == "/media/blob-1":
			_, _ = w.Write(blob)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	id, err := c.UploadBlob(context.Background(), blob)
	if err != nil {
		t.Fatal(err)
	}
	if id != "blob-1" {
		t.Errorf("id = %q", id)
	}

	got, err := c.DownloadBlob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(blob) {
		t.Errorf("blob = %x, want %x", got, blob)
	}
}

func TestMessageToStore(t *testing.T) {
	wire := Message{
		ID: "m1", ConversationID: "c1", SenderID: "peer",
		Type: "photo", Content: "Photo",
		Media:  &EncryptedMedia{ID: "blob-1", Key: EncodeKey([]byte("secret"))},
		Status: "delivered", CreatedAt: time.UnixMilli(1000),
	}

	got := wire.ToStore("self")
	if got.Status != lifecycle.Delivered {
		t.Errorf("status = %s", got.Status)
	}
	if got.Media != store.MediaPending {
		t.Error("inbound media message should start pending")
	}
	if got.MediaRef == nil || string(got.MediaRef.Key) != "secret" {
		t.Errorf("mediaRef = %+v", got.MediaRef)
	}

	// The sender already holds the plaintext.
	wire.SenderID = "self"
	if got := wire.ToStore("self"); got.Media != store.MediaReady {
		t.Error("own media message should be ready immediately")
	}
}
