package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEmbeddings = []byte("embeddings")

// BoltStore is a single-file persistent Store. The expiry deadline is stored
// as an 8-byte prefix of every value and checked on read; expired entries are
// deleted lazily.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) pack(entry *Entry, ttl time.Duration) ([]byte, error) {
	data, err := entry.Encode()
	if err != nil {
		return nil, err
	}
	var deadline int64
	if ttl > 0 {
		deadline = s.now().Add(ttl).UnixNano()
	}
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[:8], uint64(deadline))
	copy(buf[8:], data)
	return buf, nil
}

func (s *BoltStore) live(raw []byte) bool {
	if len(raw) < 8 {
		return false
	}
	deadline := int64(binary.BigEndian.Uint64(raw[:8]))
	return deadline == 0 || s.now().UnixNano() <= deadline
}

// Get retrieves an entry
func (s *BoltStore) Get(_ context.Context, key string) (*Entry, error) {
	var (
		data    []byte
		expired bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEmbeddings).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if !s.live(raw) {
			expired = true
			return nil
		}
		data = append([]byte(nil), raw[8:]...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bolt get: %w", ErrStoreUnavailable, err)
	}

	if expired {
		_, _ = s.Delete(context.Background(), key)
		return nil, ErrNotFound
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return DecodeEntry(data)
}

// Set stores an entry with the given time-to-live
func (s *BoltStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	val, err := s.pack(entry, ttl)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put([]byte(key), val)
	})
	if err != nil {
		return fmt.Errorf("%w: bolt put: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Delete removes entries
func (s *BoltStore) Delete(_ context.Context, keys ...string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		for _, key := range keys {
			if raw := b.Get([]byte(key)); raw != nil {
				if s.live(raw) {
					n++
				}
				if err := b.Delete([]byte(key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: bolt delete: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Expire resets the time-to-live of an existing entry
func (s *BoltStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		raw := b.Get([]byte(key))
		if raw == nil || !s.live(raw) {
			return nil
		}
		found = true
		val := append([]byte(nil), raw...)
		var deadline int64
		if ttl > 0 {
			deadline = s.now().Add(ttl).UnixNano()
		}
		binary.BigEndian.PutUint64(val[:8], uint64(deadline))
		return b.Put([]byte(key), val)
	})
	if err != nil {
		return fmt.Errorf("%w: bolt expire: %w", ErrStoreUnavailable, err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// DeletePrefix removes every entry under prefix
func (s *BoltStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		var keys [][]byte
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: bolt delete prefix: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Count returns the number of live entries under prefix
func (s *BoltStore) Count(_ context.Context, prefix string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEmbeddings).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if s.live(v) {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: bolt count: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Keys lists up to limit live keys under prefix in key order
func (s *BoltStore) Keys(_ context.Context, prefix string, limit int) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEmbeddings).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if s.live(v) {
				out = append(out, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bolt keys: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

// TTL returns the remaining time-to-live of key
func (s *BoltStore) TTL(_ context.Context, key string) (time.Duration, error) {
	var (
		ttl   time.Duration
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEmbeddings).Get([]byte(key))
		if raw == nil || !s.live(raw) {
			return nil
		}
		found = true
		deadline := int64(binary.BigEndian.Uint64(raw[:8]))
		if deadline == 0 {
			ttl = NoExpiry
		} else {
			ttl = time.Duration(deadline - s.now().UnixNano())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: bolt ttl: %w", ErrStoreUnavailable, err)
	}
	if !found {
		return 0, ErrNotFound
	}
	return ttl, nil
}

// Purge deletes every expired entry and reports how many were removed
func (s *BoltStore) Purge(context.Context) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		var dead [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if !s.live(v) {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(dead)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: bolt purge: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Health checks that the database is still open
func (s *BoltStore) Health(context.Context) error {
	if err := s.db.View(func(*bbolt.Tx) error { return nil }); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}
