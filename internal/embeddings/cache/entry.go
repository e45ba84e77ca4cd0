package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is the persisted form of a cached embedding
type Entry struct {
	Vector   []float32
	StoredAt time.Time
}

type wireEntry struct {
	Vector   []float32 `json:"v"`
	StoredAt int64     `json:"t"`
}

// NewEntry creates an entry stamped with the current time
func NewEntry(vector []float32) *Entry {
	return &Entry{Vector: vector, StoredAt: time.Now()}
}

// Encode serializes the entry for storage
func (e *Entry) Encode() ([]byte, error) {
	data, err := json.Marshal(wireEntry{
		Vector:   e.Vector,
		StoredAt: e.StoredAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}
	return data, nil
}

// DecodeEntry parses a stored entry
func DecodeEntry(data []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if len(w.Vector) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInvalidValue)
	}
	return &Entry{
		Vector:   w.Vector,
		StoredAt: time.Unix(0, w.StoredAt),
	}, nil
}
