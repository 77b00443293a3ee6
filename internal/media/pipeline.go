package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleamarkt/chatsync/internal/bus"
	"github.com/fleamarkt/chatsync/internal/store"
	"github.com/fleamarkt/chatsync/internal/vault"
	"go.uber.org/zap"
)

// ErrKeyUnavailable means the decryption key is in neither the message
// payload nor the vault. This is the only media failure surfaced to the
// caller as unrecoverable; everything else stays retryable.
var ErrKeyUnavailable = errors.New("media: decryption key unavailable")

// BlobTransfer is the ciphertext upload/download boundary. The server only
// ever sees opaque encrypted blobs keyed by media ID.
type BlobTransfer interface {
	UploadBlob(ctx context.Context, ciphertext []byte) (string, error)
	DownloadBlob(ctx context.Context, mediaID string) ([]byte, error)
}

// Pipeline moves media blobs between the device and the server without the
// server ever holding a decryption key. Delivery status and media
// availability are independent axes: a download failure parks the key in
// the vault and marks the message's media pending, it never fails the
// message.
type Pipeline struct {
	transfer BlobTransfer
	cache    *Cache
	vault    *vault.DB
	store    *store.Store
	bus      *bus.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPipeline creates a media pipeline.
func NewPipeline(transfer BlobTransfer, cache *Cache, v *vault.DB, st *store.Store, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		transfer: transfer,
		cache:    cache,
		vault:    v,
		store:    st,
		bus:      b,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Send encrypts a locally selected blob under a fresh symmetric key, uploads
// the ciphertext and caches the plaintext locally (the sender always holds
// a ready copy). Returns the media ID and the key for inclusion in the
// outgoing message payload.
func (p *Pipeline) Send(ctx context.Context, plaintext []byte) (mediaID string, key []byte, err error) {
	key, err = GenerateKey()
	if err != nil {
		return "", nil, err
	}
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		return "", nil, err
	}
	mediaID, err = p.transfer.UploadBlob(ctx, ciphertext)
	if err != nil {
		return "", nil, fmt.Errorf("upload media: %w", err)
	}
	if err := p.cache.Put(mediaID, plaintext); err != nil {
		p.logger.Warn("failed to cache own media", zap.Error(err), zap.String("media_id", mediaID))
	}
	return mediaID, key, nil
}

// Fetch makes the decrypted blob for an inbound message locally available.
// Concurrent calls for the same media ID are deduplicated: the second
// caller returns immediately while the first download is in flight.
//
// On success the message's media state flips to ready, the key is cleared
// from the cached payload and the vault entry (if any) is removed. On
// download or decrypt failure the key is parked in the vault and the state
// stays pending; the error is returned for logging only.
func (p *Pipeline) Fetch(ctx context.Context, msg store.Message) error {
	if msg.MediaRef == nil {
		return nil
	}
	ref := *msg.MediaRef

	if msg.SenderID == p.store.SelfID() {
		p.markReady(msg)
		return nil
	}

	p.mu.Lock()
	if _, busy := p.inflight[ref.MediaID]; busy {
		p.mu.Unlock()
		return nil
	}
	p.inflight[ref.MediaID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, ref.MediaID)
		p.mu.Unlock()
	}()

	if p.cache.Has(ref.MediaID) {
		p.markReady(msg)
		_ = p.vault.Delete(ref.MediaID)
		return nil
	}

	key := ref.Key
	if len(key) == 0 {
		// Payload already consumed (e.g. restart): fall back to the vault.
		entry, err := p.vault.Get(ref.MediaID)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				p.markPending(msg)
				return ErrKeyUnavailable
			}
			return fmt.Errorf("read vault: %w", err)
		}
		key = entry.Key
	}

	ciphertext, err := p.transfer.DownloadBlob(ctx, ref.MediaID)
	if err != nil {
		p.park(msg, ref.MediaID, key)
		return fmt.Errorf("download media: %w", err)
	}

	plaintext, err := Decrypt(ciphertext, key)
	if err != nil {
		p.park(msg, ref.MediaID, key)
		return fmt.Errorf("decrypt media: %w", err)
	}

	if err := p.cache.Put(ref.MediaID, plaintext); err != nil {
		p.park(msg, ref.MediaID, key)
		return fmt.Errorf("cache media: %w", err)
	}

	p.markReady(msg)
	_ = p.vault.Delete(ref.MediaID)
	p.publish("media.ready", ref.MediaID)
	return nil
}

// RetryPending re-attempts every vault entry, oldest first. Run on startup
// and on reconnect so downloads interrupted before the last shutdown
// complete without the sender resending anything.
func (p *Pipeline) RetryPending(ctx context.Context) {
	entries, err := p.vault.List()
	if err != nil {
		p.logger.Error("failed to list pending keys", zap.Error(err))
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if p.cache.Has(e.MediaID) {
			_ = p.vault.Delete(e.MediaID)
			continue
		}
		ciphertext, err := p.transfer.DownloadBlob(ctx, e.MediaID)
		if err != nil {
			p.logger.Debug("pending media still unavailable", zap.String("media_id", e.MediaID), zap.Error(err))
			continue
		}
		plaintext, err := Decrypt(ciphertext, e.Key)
		if err != nil {
			p.logger.Warn("pending media failed to decrypt", zap.String("media_id", e.MediaID), zap.Error(err))
			continue
		}
		if err := p.cache.Put(e.MediaID, plaintext); err != nil {
			p.logger.Error("failed to cache recovered media", zap.Error(err))
			continue
		}
		_ = p.vault.Delete(e.MediaID)
		p.publish("media.ready", e.MediaID)
		p.logger.Info("recovered pending media", zap.String("media_id", e.MediaID))
	}
}

func (p *Pipeline) markReady(msg store.Message) {
	state := store.MediaReady
	p.store.UpdateMessage(msg.ConversationID, msg.Identity.String(), store.MessageUpdate{
		Media:         &state,
		ClearMediaKey: true,
	})
}

func (p *Pipeline) markPending(msg store.Message) {
	state := store.MediaPending
	p.store.UpdateMessage(msg.ConversationID, msg.Identity.String(), store.MessageUpdate{
		Media: &state,
	})
}

// park saves the key for a later retry and leaves the message pending.
func (p *Pipeline) park(msg store.Message, mediaID string, key []byte) {
	if len(key) > 0 {
		if err := p.vault.Store(mediaID, key, msg.ConversationID, msg.SenderID); err != nil {
			p.logger.Error("failed to park pending key", zap.Error(err), zap.String("media_id", mediaID))
		}
	}
	p.markPending(msg)
	p.publish("media.pending", mediaID)
}

func (p *Pipeline) publish(kind, mediaID string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: mediaID})
}
