package vectorstore

import (
	"context"
	"errors"

	"github.com/objones25/ragcore/internal/retrieval"
)

// Document is an indexed chunk together with its embedding
type Document struct {
	Text     string
	SourceID string
	Offset   int
	Page     *int
	Metadata map[string]string
	Vector   []float32
}

// ID returns the identity the document is stored under
func (d Document) ID() string {
	return d.Chunk(0).ID()
}

// Chunk converts the document to a search result with the given score
func (d Document) Chunk(score float64) retrieval.ScoredChunk {
	var meta map[string]string
	if len(d.Metadata) > 0 {
		meta = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			meta[k] = v
		}
	}
	return retrieval.ScoredChunk{
		Text:     d.Text,
		SourceID: d.SourceID,
		Offset:   d.Offset,
		Page:     d.Page,
		Score:    score,
		Metadata: meta,
	}
}

// Index is a writable document index that can serve retrieval searches
type Index interface {
	retrieval.Searcher

	// Insert stores documents, replacing any with the same ID
	Insert(ctx context.Context, docs []Document) error

	// Delete removes documents by ID
	Delete(ctx context.Context, ids []string) error

	// Health checks the index backend
	Health(ctx context.Context) error

	// Close releases the backend connection
	Close() error
}

// Common errors
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrClosed            = errors.New("index is closed")
)
