package milvus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objones25/ragcore/internal/retrieval"
	"github.com/objones25/ragcore/internal/vectorstore"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg, err := Config{}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Dimension, cfg.Dimension)
	assert.Equal(t, "ragcore_chunks", cfg.CollectionName)
	assert.Equal(t, 10, cfg.NProbe)
	assert.Equal(t, 4, cfg.Overfetch)

	_, err = Config{Metric: "hamming"}.withDefaults()
	assert.Error(t, err)

	m, err := metricType("ip")
	require.NoError(t, err)
	assert.Equal(t, entity.IP, m)
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 1.0, score(entity.L2, 0), 1e-9)
	assert.InDelta(t, 0.5, score(entity.L2, 1), 1e-9)
	assert.Greater(t, score(entity.L2, 0.2), score(entity.L2, 0.9))
	assert.InDelta(t, 0.75, score(entity.IP, 0.75), 1e-6)
}

func TestBuildExpr(t *testing.T) {
	expr, rest := buildExpr(nil)
	assert.Empty(t, expr)
	assert.Empty(t, rest)

	expr, rest = buildExpr(retrieval.Filter{"source_id": `hand"book`, "lang": "en"})
	assert.Equal(t, `source_id == "hand\"book"`, expr)
	assert.Equal(t, retrieval.Filter{"lang": "en"}, rest)

	assert.Equal(t, `id in ["a#0", "b\\c#1"]`, inExpr("id", []string{"a#0", `b\c#1`}))
}

func TestChunksFromResults(t *testing.T) {
	results := []client.SearchResult{{
		ResultCount: 2,
		Scores:      []float32{0, 3},
		Fields: []entity.Column{
			entity.NewColumnVarChar(fieldText, []string{"annual leave", "parking"}),
			entity.NewColumnVarChar(fieldSourceID, []string{"handbook", "facilities"}),
			entity.NewColumnInt64(fieldOffset, []int64{0, 40}),
			entity.NewColumnInt64(fieldPage, []int64{3, noPage}),
			entity.NewColumnVarChar(fieldMetadata, []string{`{"lang":"en"}`, "{}"}),
		},
	}}

	chunks, err := chunksFromResults(results, entity.L2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "handbook#0", chunks[0].ID())
	assert.Equal(t, "annual leave", chunks[0].Text)
	assert.InDelta(t, 1.0, chunks[0].Score, 1e-9)
	require.NotNil(t, chunks[0].Page)
	assert.Equal(t, 3, *chunks[0].Page)
	assert.Equal(t, map[string]string{"lang": "en"}, chunks[0].Metadata)

	assert.Equal(t, "facilities#40", chunks[1].ID())
	assert.InDelta(t, 0.25, chunks[1].Score, 1e-9)
	assert.Nil(t, chunks[1].Page)
	assert.Nil(t, chunks[1].Metadata)

	t.Run("empty", func(t *testing.T) {
		chunks, err := chunksFromResults(nil, entity.L2)
		require.NoError(t, err)
		assert.NotNil(t, chunks)
		assert.Empty(t, chunks)
	})

	t.Run("wrong column type", func(t *testing.T) {
		bad := []client.SearchResult{{
			ResultCount: 1,
			Scores:      []float32{0},
			Fields: []entity.Column{
				entity.NewColumnInt64(fieldText, []int64{1}),
			},
		}}
		_, err := chunksFromResults(bad, entity.L2)
		assert.ErrorIs(t, err, errColumn)
	})
}

func TestColumns(t *testing.T) {
	s := &Store{dimension: 2}
	page := 7
	cols, err := s.columns([]vectorstore.Document{
		{Text: "a", SourceID: "doc", Offset: 5, Page: &page, Metadata: map[string]string{"k": "v"}, Vector: []float32{1, 0}},
		{Text: "b", SourceID: "doc", Offset: 9, Vector: []float32{0, 1}},
	})
	require.NoError(t, err)
	require.Len(t, cols, 7)

	ids, ok := cols[0].(*entity.ColumnVarChar)
	require.True(t, ok)
	assert.Equal(t, []string{"doc#5", "doc#9"}, ids.Data())

	pages, ok := cols[5].(*entity.ColumnInt64)
	require.True(t, ok)
	assert.Equal(t, []int64{7, noPage}, pages.Data())

	meta, ok := cols[6].(*entity.ColumnVarChar)
	require.True(t, ok)
	assert.Equal(t, []string{`{"k":"v"}`, "{}"}, meta.Data())

	_, err = s.columns([]vectorstore.Document{{SourceID: "doc", Vector: []float32{1, 2, 3}}})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestWithRetry(t *testing.T) {
	s := &Store{maxRetries: 3, backoff: time.Millisecond, timeout: time.Second, logger: zerolog.Nop()}
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		var calls atomic.Int32
		err := s.withRetry(ctx, "search", func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("unavailable")
			}
			return nil
		})
		require.NoError(t, err)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("gives up", func(t *testing.T) {
		boom := errors.New("unavailable")
		var calls atomic.Int32
		err := s.withRetry(ctx, "search", func(context.Context) error {
			calls.Add(1)
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		var calls atomic.Int32
		err := s.withRetry(cctx, "search", func(context.Context) error {
			calls.Add(1)
			cancel()
			return errors.New("canceled upstream")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.EqualValues(t, 1, calls.Load())
	})
}
