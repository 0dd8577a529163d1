// Package bookmark implements the durable per-channel bookmark store (C8)
// used by the channel watcher to resume a subscription across restarts.
package bookmark

import (
	"encoding/json"
	"fmt"

	"github.com/iff-guardian/castellan/pkg/boltstore"
	"github.com/iff-guardian/castellan/pkg/logger"
)

const bucketName = "bookmarks"

// Store persists an opaque per-channel position token.
type Store struct {
	bolt *boltstore.Store
	log  logger.Logger
}

type record struct {
	Channel string `json:"channel"`
	Token   string `json:"token"`
}

// New opens the bookmark file at path, creating it if absent.
func New(path string, log logger.Logger) (*Store, error) {
	bs, err := boltstore.Open(path, bucketName)
	if err != nil {
		return nil, fmt.Errorf("open bookmark store: %w", err)
	}
	return &Store{bolt: bs, log: log}, nil
}

func (s *Store) Close() error { return s.bolt.Close() }

// Save persists the bookmark for channel. The underlying bbolt write is
// atomic per channel key: a torn write is never observable to a subsequent
// Load.
func (s *Store) Save(channel, token string) error {
	rec := record{Channel: channel, Token: token}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal bookmark for %s: %w", channel, err)
	}
	return s.bolt.Put(bucketName, channel, data)
}

// Load returns the saved token for channel, or ("", false, nil) if there is
// none or it was corrupted (corrupted bookmarks are discarded, not
// returned — the caller resumes from tail).
func (s *Store) Load(channel string) (string, bool, error) {
	data, found, err := s.bolt.Get(bucketName, channel)
	if err != nil {
		return "", false, fmt.Errorf("load bookmark for %s: %w", channel, err)
	}
	if !found {
		return "", false, nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("discarding corrupted bookmark", "channel", channel, "error", err)
		return "", false, nil
	}
	return rec.Token, true, nil
}

// HealthCheck reports whether the bookmark store is still writable.
func (s *Store) HealthCheck() func() error {
	return s.bolt.HealthCheck()
}
