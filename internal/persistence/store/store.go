// Package store persists encoded saves in a single-file BoltDB database,
// keyed by slot name.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const saveBucket = "saves"

// ErrNotFound indicates the requested slot has no save.
var ErrNotFound = errors.New("save not found")

// Store provides a BoltDB-backed save store. The write that lands here is
// the durability point for a game: once Put returns, the mutation survives
// a crash.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	st := &Store{db: db}
	if err := st.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores blob under slot, replacing any previous save.
func (s *Store) Put(slot string, blob []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store is not configured")
	}
	if strings.TrimSpace(slot) == "" {
		return fmt.Errorf("slot is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(saveBucket))
		if bucket == nil {
			return fmt.Errorf("save bucket is missing")
		}
		return bucket.Put([]byte(slot), blob)
	})
}

// Get fetches the save blob for slot. The returned slice is a copy and
// stays valid after the call.
func (s *Store) Get(slot string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is not configured")
	}
	if strings.TrimSpace(slot) == "" {
		return nil, fmt.Errorf("slot is required")
	}

	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(saveBucket))
		if bucket == nil {
			return fmt.Errorf("save bucket is missing")
		}
		payload := bucket.Get([]byte(slot))
		if payload == nil {
			return ErrNotFound
		}
		blob = append([]byte(nil), payload...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Delete removes the save for slot. Deleting a missing slot is not an error.
func (s *Store) Delete(slot string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store is not configured")
	}
	if strings.TrimSpace(slot) == "" {
		return fmt.Errorf("slot is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(saveBucket))
		if bucket == nil {
			return fmt.Errorf("save bucket is missing")
		}
		return bucket.Delete([]byte(slot))
	})
}

// Slots lists every slot holding a save, sorted.
func (s *Store) Slots() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is not configured")
	}

	var slots []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(saveBucket))
		if bucket == nil {
			return fmt.Errorf("save bucket is missing")
		}
		return bucket.ForEach(func(k, _ []byte) error {
			slots = append(slots, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(slots)
	return slots, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(saveBucket)); err != nil {
			return fmt.Errorf("create save bucket: %w", err)
		}
		return nil
	})
}
