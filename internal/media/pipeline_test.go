package media

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleamarkt/chatsync/internal/bus"
	"github.com/fleamarkt/chatsync/internal/lifecycle"
	"github.com/fleamarkt/chatsync/internal/store"
	"github.com/fleamarkt/chatsync/internal/vault"
)

const self = "user-self"

type fakeTransfer struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	nextID    string
	downErr   error
	downloads int
	release   chan struct{} // when set, downloads block until closed
}

func (f *fakeTransfer) UploadBlob(_ context.Context, ciphertext []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	if id == "" {
		id = "blob-1"
	}
	if f.blobs == nil {
		f.blobs = make(map[string][]byte)
	}
	f.blobs[id] = ciphertext
	return id, nil
}

func (f *fakeTransfer) DownloadBlob(_ context.Context, mediaID string) ([]byte, error) {
	f.mu.Lock()
	f.downloads++
	release := f.release
	err := f.downErr
	blob := f.blobs[mediaID]
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, errors.New("no such blob")
	}
	return blob, nil
}

func testVault(t *testing.T) *vault.DB {
	t.Helper()
	db, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testPipeline(t *testing.T, transfer BlobTransfer) (*Pipeline, *store.Store) {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(self, bus.New(), nil)
	p := NewPipeline(transfer, cache, testVault(t), st, bus.New(), nil)
	return p, st
}

func inboundMedia(key []byte) store.Message {
	return store.Message{
		Identity:       store.RemoteIdentity("m1"),
		ConversationID: "c1",
		SenderID:       "peer",
		Type:           store.TypePhoto,
		Content:        "Photo",
		MediaRef:       &store.MediaRef{MediaID: "blob-1", Key: key},
		Status:         lifecycle.Delivered,
		Media:          store.MediaPending,
		CreatedAt:      time.UnixMilli(1000),
	}
}

func TestSendEncryptsAndUploads(t *testing.T) {
	transfer := &fakeTransfer{}
	p, _ := testPipeline(t, transfer)

	plaintext := []byte("camera bytes")
	mediaID, key, err := p.Send(context.Background(), plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if mediaID == "" || len(key) != KeySize {
		t.Fatalf("mediaID=%q keylen=%d", mediaID, len(key))
	}

	// The server-side blob must be ciphertext, and the key must open it.
	stored := transfer.blobs[mediaID]
	if bytes.Contains(stored, plaintext) {
		t.Error("uploaded blob contains plaintext")
	}
	got, err := Decrypt(stored, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("uploaded blob does not decrypt to the original")
	}

	// Sender keeps a ready local copy.
	if !p.cache.Has(mediaID) {
		t.Error("sender's plaintext not cached")
	}
}

func TestFetchDecryptsAndCaches(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte("photo bytes")
	ciphertext, _ := Encrypt(plaintext, key)
	transfer := &fakeTransfer{blobs: map[string][]byte{"blob-1": ciphertext}}

	p, st := testPipeline(t, transfer)
	msg := inboundMedia(key)
	st.AddMessage("c1", msg)

	if err := p.Fetch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	got, err := p.cache.Get("blob-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("cached blob mismatch")
	}

	stored, _ := st.Message("c1", "m1")
	if stored.Media != store.MediaReady {
		t.Errorf("media state = %v, want ready", stored.Media)
	}
	if stored.MediaRef == nil || len(stored.MediaRef.Key) != 0 {
		t.Error("consumed key not cleared from cached payload")
	}
	if _, err := p.vault.Get("blob-1"); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("vault entry not removed: %v", err)
	}
}

// Scenario: download fails for an inbound media message carrying its key.
// The key must land in the vault and the message stays pending, not failed.
func TestFetchFailureParksKey(t *testing.T) {
	key, _ := GenerateKey()
	transfer := &fakeTransfer{downErr: errors.New("cdn unreachable")}

	p, st := testPipeline(t, transfer)
	msg := inboundMedia(key)
	st.AddMessage("c1", msg)

	if err := p.Fetch(context.Background(), msg); err == nil {
		t.Fatal("Fetch should report the download failure")
	}

	entry, err := p.vault.Get("blob-1")
	if err != nil {
		t.Fatalf("key not parked in vault: %v", err)
	}
	if !bytes.Equal(entry.Key, key) {
		t.Error("parked key mismatch")
	}

	stored, _ := st.Message("c1", "m1")
	if stored.Media != store.MediaPending {
		t.Errorf("media state = %v, want pending", stored.Media)
	}
	if stored.Status != lifecycle.Delivered {
		t.Errorf("delivery status changed to %s; media failure must not fail the message", stored.Status)
	}
}

func TestFetchRecoversKeyFromVault(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte("resumed download")
	ciphertext, _ := Encrypt(plaintext, key)
	transfer := &fakeTransfer{blobs: map[string][]byte{"blob-1": ciphertext}}

	p, st := testPipeline(t, transfer)
	// Payload key already consumed (restart); only the vault has it.
	if err := p.vault.Store("blob-1", key, "c1", "peer"); err != nil {
		t.Fatal(err)
	}
	msg := inboundMedia(nil)
	st.AddMessage("c1", msg)

	if err := p.Fetch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if !p.cache.Has("blob-1") {
		t.Error("blob not cached after vault recovery")
	}
	if _, err := p.vault.Get("blob-1"); !errors.Is(err, vault.ErrNotFound) {
		t.Error("vault entry should be deleted after success")
	}
}

func TestFetchKeyUnavailable(t *testing.T) {
	transfer := &fakeTransfer{}
	p, st := testPipeline(t, transfer)
	msg := inboundMedia(nil)
	st.AddMessage("c1", msg)

	err := p.Fetch(context.Background(), msg)
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("error = %v, want ErrKeyUnavailable", err)
	}
	if transfer.downloads != 0 {
		t.Error("download attempted without a key")
	}
}

func TestFetchSenderOwnMediaIsReadyImmediately(t *testing.T) {
	transfer := &fakeTransfer{downErr: errors.New("must not be called")}
	p, st := testPipeline(t, transfer)

	msg := inboundMedia(nil)
	msg.SenderID = self
	st.AddMessage("c1", msg)

	if err := p.Fetch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.Message("c1", "m1")
	if stored.Media != store.MediaReady {
		t.Errorf("own media state = %v, want ready", stored.Media)
	}
	if transfer.downloads != 0 {
		t.Error("pipeline downloaded the sender's own media")
	}
}

// Rapid double-open of the same media must not trigger a second download.
func TestFetchDeduplicatesInflight(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte("big video")
	ciphertext, _ := Encrypt(plaintext, key)
	release := make(chan struct{})
	transfer := &fakeTransfer{
		blobs:   map[string][]byte{"blob-1": ciphertext},
		release: release,
	}

	p, st := testPipeline(t, transfer)
	msg := inboundMedia(key)
	st.AddMessage("c1", msg)

	done := make(chan error, 1)
	go func() { done <- p.Fetch(context.Background(), msg) }()

	// Wait until the first fetch is blocked inside the download.
	deadline := time.After(2 * time.Second)
	for {
		transfer.mu.Lock()
		started := transfer.downloads == 1
		transfer.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first download never started")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Second fetch while the first is in flight: returns immediately, no
	// extra download.
	if err := p.Fetch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if transfer.downloads != 1 {
		t.Errorf("downloads = %d, want 1 (in-flight dedup)", transfer.downloads)
	}
}

func TestRetryPendingRecoversAfterRestart(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte("recovered")
	ciphertext, _ := Encrypt(plaintext, key)
	transfer := &fakeTransfer{blobs: map[string][]byte{"blob-1": ciphertext}}

	p, _ := testPipeline(t, transfer)
	if err := p.vault.Store("blob-1", key, "c1", "peer"); err != nil {
		t.Fatal(err)
	}

	p.RetryPending(context.Background())

	if !p.cache.Has("blob-1") {
		t.Error("pending media not recovered")
	}
	if _, err := p.vault.Get("blob-1"); !errors.Is(err, vault.ErrNotFound) {
		t.Error("recovered entry should leave the vault")
	}
}

func TestRetryPendingKeepsEntryWhileUnreachable(t *testing.T) {
	key, _ := GenerateKey()
	transfer := &fakeTransfer{downErr: errors.New("still offline")}

	p, _ := testPipeline(t, transfer)
	if err := p.vault.Store("blob-1", key, "c1", "peer"); err != nil {
		t.Fatal(err)
	}

	p.RetryPending(context.Background())

	if _, err := p.vault.Get("blob-1"); err != nil {
		t.Errorf("vault entry must survive a failed retry: %v", err)
	}
}
