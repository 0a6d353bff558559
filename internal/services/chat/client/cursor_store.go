package client

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/dicechat/internal/chat"
	"go.etcd.io/bbolt"
)

const cursorBucket = "cursors"

// CursorStore persists the last applied event id per channel so a restarted
// client resumes its subscription instead of replaying everything.
type CursorStore struct {
	db *bbolt.DB
}

// OpenCursorStore opens a BoltDB-backed cursor store at path.
func OpenCursorStore(path string) (*CursorStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cursor store path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cursor store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(cursorBucket)); err != nil {
			return fmt.Errorf("create cursor bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &CursorStore{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (s *CursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the stored cursor for channelID, or the zero id when none is
// stored.
func (s *CursorStore) Load(ctx context.Context, channelID string) (chat.EventID, error) {
	if err := ctx.Err(); err != nil {
		return chat.EventID{}, err
	}
	if s == nil || s.db == nil {
		return chat.EventID{}, fmt.Errorf("cursor store is not configured")
	}
	if strings.TrimSpace(channelID) == "" {
		return chat.EventID{}, fmt.Errorf("channel id is required")
	}

	var cursor chat.EventID
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cursorBucket))
		if bucket == nil {
			return fmt.Errorf("cursor bucket is missing")
		}
		raw := bucket.Get([]byte(channelID))
		if raw == nil {
			return nil
		}
		parsed, err := chat.ParseEventID(string(raw))
		if err != nil {
			return fmt.Errorf("decode cursor: %w", err)
		}
		cursor = parsed
		return nil
	})
	return cursor, err
}

// Save stores cursor for channelID. An older cursor never replaces a newer
// one.
func (s *CursorStore) Save(ctx context.Context, channelID string, cursor chat.EventID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("cursor store is not configured")
	}
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("channel id is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(cursorBucket))
		if bucket == nil {
			return fmt.Errorf("cursor bucket is missing")
		}
		key := []byte(channelID)
		if raw := bucket.Get(key); raw != nil {
			if current, err := chat.ParseEventID(string(raw)); err == nil && current.Compare(cursor) >= 0 {
				return nil
			}
		}
		return bucket.Put(key, []byte(cursor.String()))
	})
}

// OnCursor returns a callback for reconcile.OwnerOptions.OnCursor that saves
// each advance. Failures go to logf.
func (s *CursorStore) OnCursor(channelID string, logf func(string, ...any)) func(chat.EventID) {
	return func(cursor chat.EventID) {
		if err := s.Save(context.Background(), channelID, cursor); err != nil && logf != nil {
			logf("chat: save cursor failed channel=%s err=%v", channelID, err)
		}
	}
}
