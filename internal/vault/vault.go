package vault

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no key is stored for a media ID.
var ErrNotFound = errors.New("vault: no pending key for media")

// Entry is a decryption key parked locally because the corresponding media
// could not yet be fetched or decrypted. The server never sees the key.
type Entry struct {
	MediaID        string
	Key            []byte
	ConversationID string
	SenderID       string
	InsertedAt     int64
}

// Store upserts a pending key (idempotent on media_id). The original
// inserted_at is kept so the retry sweep processes oldest entries first.
func (db *DB) Store(mediaID string, key []byte, conversationID, senderID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO pending_keys (media_id, enc_key, conversation_id, sender_id, inserted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(media_id) DO UPDATE SET
			enc_key = excluded.enc_key,
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id`,
		mediaID, key, conversationID, senderID, now)
	return err
}

// Get returns the pending key entry for a media ID, or ErrNotFound.
func (db *DB) Get(mediaID string) (*Entry, error) {
	var e Entry
	err := db.QueryRow(`
		SELECT media_id, enc_key, conversation_id, sender_id, inserted_at
		FROM pending_keys WHERE media_id = ?`, mediaID).
		Scan(&e.MediaID, &e.Key, &e.ConversationID, &e.SenderID, &e.InsertedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes a pending key after a successful decrypt-and-cache.
// Deleting an absent entry is not an error.
func (db *DB) Delete(mediaID string) error {
	_, err := db.Exec(`DELETE FROM pending_keys WHERE media_id = ?`, mediaID)
	return err
}

// List returns all pending entries, oldest first. Used by the startup sweep
// to retry downloads interrupted before the last shutdown.
func (db *DB) List() ([]Entry, error) {
	rows, err := db.Query(`
		SELECT media_id, enc_key, conversation_id, sender_id, inserted_at
		FROM pending_keys ORDER BY inserted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.MediaID, &e.Key, &e.ConversationID, &e.SenderID, &e.InsertedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
