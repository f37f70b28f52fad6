package duochat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PebbleStore is a Store backed by an on-disk Pebble database. Each document
// lives under its key, JSON encoded, written with fsync.
type PebbleStore struct {
	keyNotifier
	db   *pebble.DB
	path string
	log  *zap.Logger
}

// OpenPebbleStore opens (or creates) the database at path.
func OpenPebbleStore(path string, log *zap.Logger) (*PebbleStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	log.Debug("pebble_opened", zap.String("path", path))
	return &PebbleStore{db: db, path: path, log: log}, nil
}

// Path returns the database directory.
func (s *PebbleStore) Path() string { return s.path }

// Get decodes the value at key into dst and reports whether it existed.
func (s *PebbleStore) Get(key string, dst any) (bool, error) {
	if s.db == nil {
		return false, ErrStoreClosed
	}
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, dst); err != nil {
		s.log.Error("pebble_decode_failed", zap.String("key", key), zap.Error(err))
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set writes v as JSON under key with a synced write and notifies watchers.
func (s *PebbleStore) Set(key string, v any) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.log.Error("pebble_set_failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.notify(key)
	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close pebble store: %w", err)
	}
	s.log.Debug("pebble_closed", zap.String("path", s.path))
	return nil
}
