package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cache is the local decrypted-media store, content-addressed by media ID.
// It holds plaintext, so the directory is created 0700.
type Cache struct {
	dir string
}

// NewCache creates (if needed) and opens a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create media cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(mediaID string) (string, error) {
	if mediaID == "" || strings.ContainsAny(mediaID, "/\\") || mediaID == "." || mediaID == ".." {
		return "", fmt.Errorf("invalid media ID %q", mediaID)
	}
	return filepath.Join(c.dir, mediaID), nil
}

// Has reports whether a decrypted copy exists for the media ID.
func (c *Cache) Has(mediaID string) bool {
	p, err := c.path(mediaID)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Put stores a decrypted blob. The write is atomic: a crash mid-write never
// leaves a truncated entry behind.
func (c *Cache) Put(mediaID string, data []byte) error {
	p, err := c.path(mediaID)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write media cache entry: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit media cache entry: %w", err)
	}
	return nil
}

// Get returns the decrypted blob for a media ID.
func (c *Cache) Get(mediaID string) ([]byte, error) {
	p, err := c.path(mediaID)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Path returns the on-disk location of a cached blob for handoff to
// playback/display layers. The file may not exist yet.
func (c *Cache) Path(mediaID string) (string, error) {
	return c.path(mediaID)
}
