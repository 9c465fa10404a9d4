// Package statestore keeps the sync engine's durable bookkeeping that does
// not belong in the ledger: the directory pull watermark and the index of
// already-downloaded enrollment media.
package statestore

import (
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketWatermarks = []byte("watermarks")
	bucketMedia      = []byte("media")
)

var keyDirectorySince = []byte("directory_since")

// Store is the bbolt-backed sync state store.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the state store at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWatermarks); err != nil {
			return fmt.Errorf("failed to create watermarks bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMedia); err != nil {
			return fmt.Errorf("failed to create media bucket: %w", err)
		}
		return nil
	})
}

// DirectorySince returns the watermark of the last absorbed directory pull.
// Zero time means no pull has completed yet.
func (s *Store) DirectorySince() (time.Time, error) {
	var since time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketWatermarks).Get(keyDirectorySince)
		if value == nil {
			return nil
		}
		ms, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt directory watermark %q: %w", value, err)
		}
		since = time.UnixMilli(ms).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return since, nil
}

// SaveDirectorySince advances the directory pull watermark.
func (s *Store) SaveDirectorySince(since time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		value := strconv.FormatInt(since.UnixMilli(), 10)
		if err := tx.Bucket(bucketWatermarks).Put(keyDirectorySince, []byte(value)); err != nil {
			return fmt.Errorf("failed to save directory watermark: %w", err)
		}
		return nil
	})
}

// HasMedia reports whether the media reference was already downloaded.
func (s *Store) HasMedia(ref string) (bool, error) {
	var present bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		present = tx.Bucket(bucketMedia).Get([]byte(ref)) != nil
		return nil
	})
	return present, err
}

// MarkMedia records the local path a media reference was stored at.
func (s *Store) MarkMedia(ref, localPath string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMedia).Put([]byte(ref), []byte(localPath)); err != nil {
			return fmt.Errorf("failed to index media: %w", err)
		}
		return nil
	})
}
