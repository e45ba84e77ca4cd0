// Package milvus serves retrieval searches from a Milvus collection.
package milvus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/objones25/ragcore/internal/retrieval"
	"github.com/objones25/ragcore/internal/vectorstore"
)

const (
	fieldID       = "id"
	fieldVector   = "vector"
	fieldText     = "text"
	fieldSourceID = "source_id"
	fieldOffset   = "offset"
	fieldPage     = "page"
	fieldMetadata = "metadata"

	// noPage marks a chunk without a page number in the page column
	noPage = -1

	defaultDimension = 768
	defaultTimeout   = 30 * time.Second
)

var outputFields = []string{fieldText, fieldSourceID, fieldOffset, fieldPage, fieldMetadata}

// Config holds configuration for the Milvus index
type Config struct {
	Host           string
	Port           int
	CollectionName string
	Dimension      int
	// Metric is "L2" or "IP"
	Metric string
	// NList is the IVF_FLAT cluster count used when creating the index
	NList int
	// NProbe is the number of clusters visited per search
	NProbe     int
	MaxRetries int
	// RetryBackoff grows linearly with the attempt number
	RetryBackoff time.Duration
	Timeout      time.Duration
	// Overfetch multiplies topK when a filter must be applied after the search
	Overfetch int
}

// DefaultConfig returns the default Milvus configuration
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           19530,
		CollectionName: "ragcore_chunks",
		Dimension:      defaultDimension,
		Metric:         "L2",
		NList:          1024,
		NProbe:         10,
		MaxRetries:     3,
		RetryBackoff:   time.Second,
		Timeout:        defaultTimeout,
		Overfetch:      4,
	}
}

func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	if c.Dimension <= 0 {
		c.Dimension = def.Dimension
	}
	if c.CollectionName == "" {
		c.CollectionName = def.CollectionName
	}
	if c.Metric == "" {
		c.Metric = def.Metric
	}
	if c.NList <= 0 {
		c.NList = def.NList
	}
	if c.NProbe <= 0 {
		c.NProbe = def.NProbe
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Overfetch <= 0 {
		c.Overfetch = def.Overfetch
	}
	if _, err := metricType(c.Metric); err != nil {
		return c, err
	}
	return c, nil
}

// Validate reports settings the index cannot run with
func (c Config) Validate() error {
	_, err := c.withDefaults()
	return err
}

// Store is a vectorstore.Index over a Milvus collection
type Store struct {
	conn       client.Client
	collection string
	dimension  int
	metric     entity.MetricType
	nlist      int
	nprobe     int
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
	overfetch  int
	logger     zerolog.Logger
}

// New dials Milvus and makes sure the collection exists and is loaded
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	conn, err := client.NewGrpcClient(dctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus at %s: %w", addr, err)
	}

	s, err := NewFromClient(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewFromClient builds a Store over an existing connection
func NewFromClient(ctx context.Context, conn client.Client, cfg Config) (*Store, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	metric, _ := metricType(cfg.Metric)

	s := &Store{
		conn:       conn,
		collection: cfg.CollectionName,
		dimension:  cfg.Dimension,
		metric:     metric,
		nlist:      cfg.NList,
		nprobe:     cfg.NProbe,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		timeout:    cfg.Timeout,
		overfetch:  cfg.Overfetch,
		logger:     log.With().Str("component", "milvus").Str("collection", cfg.CollectionName).Logger(),
	}

	if err := s.ensureCollection(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize collection: %w", err)
	}
	s.logger.Info().Int("dimension", s.dimension).Str("metric", string(s.metric)).Msg("Milvus index ready")
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.conn.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		s.logger.Info().Msg("Collection does not exist, creating")
		if err := s.conn.CreateCollection(ctx, s.schema(), 2); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexIvfFlat(s.metric, s.nlist)
		if err != nil {
			return fmt.Errorf("failed to build index definition: %w", err)
		}
		if err := s.conn.CreateIndex(ctx, s.collection, fieldVector, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := s.conn.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func (s *Store) schema() *entity.Schema {
	return &entity.Schema{
		CollectionName: s.collection,
		Description:    "Retrieval chunks",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:       fieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(s.dimension)},
			},
			{
				Name:       fieldText,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:       fieldSourceID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{Name: fieldOffset, DataType: entity.FieldTypeInt64},
			{Name: fieldPage, DataType: entity.FieldTypeInt64},
			{
				Name:       fieldMetadata,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
		},
	}
}

// withRetry runs op up to maxRetries times with linear backoff. Context
// errors are returned immediately.
func (s *Store) withRetry(ctx context.Context, name string, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(s.backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		octx, cancel := context.WithTimeout(ctx, s.timeout)
		err := op(octx)
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		s.logger.Warn().Err(err).Str("operation", name).Int("attempt", attempt+1).Msg("Milvus operation failed")
	}
	return fmt.Errorf("milvus %s failed after %d attempts: %w", name, s.maxRetries, lastErr)
}

// Search implements retrieval.Searcher. Filters on source_id are pushed down
// as a boolean expression; other keys live in the metadata JSON column and are
// matched after the search over an enlarged candidate set.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, filter retrieval.Filter) ([]retrieval.ScoredChunk, error) {
	if topK <= 0 {
		return []retrieval.ScoredChunk{}, nil
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(vector), s.dimension)
	}

	expr, rest := buildExpr(filter)
	limit := topK
	if len(rest) > 0 {
		limit = topK * s.overfetch
	}

	var results []client.SearchResult
	err := s.withRetry(ctx, "search", func(ctx context.Context) error {
		sp, err := entity.NewIndexIvfFlatSearchParam(s.nprobe)
		if err != nil {
			return fmt.Errorf("failed to create search parameters: %w", err)
		}
		res, err := s.conn.Search(
			ctx,
			s.collection,
			[]string{},
			expr,
			outputFields,
			[]entity.Vector{entity.FloatVector(vector)},
			fieldVector,
			s.metric,
			limit,
			sp,
		)
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks, err := chunksFromResults(results, s.metric)
	if err != nil {
		return nil, err
	}

	out := make([]retrieval.ScoredChunk, 0, topK)
	for _, c := range chunks {
		if !rest.Match(c.Metadata) {
			continue
		}
		out = append(out, c)
		if len(out) == topK {
			break
		}
	}
	s.logger.Debug().Int("top_k", topK).Str("expr", expr).Int("returned", len(out)).Msg("Search completed")
	return out, nil
}

// Insert implements vectorstore.Index
func (s *Store) Insert(ctx context.Context, docs []vectorstore.Document) error {
	if len(docs) == 0 {
		return nil
	}
	columns, err := s.columns(docs)
	if err != nil {
		return err
	}

	// Drop existing rows first so re-indexing a chunk replaces it
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID()
	}
	expr := inExpr(fieldID, ids)

	err = s.withRetry(ctx, "insert", func(ctx context.Context) error {
		if err := s.conn.Delete(ctx, s.collection, "", expr); err != nil {
			return err
		}
		if _, err := s.conn.Insert(ctx, s.collection, "", columns...); err != nil {
			return err
		}
		return s.conn.Flush(ctx, s.collection, false)
	})
	if err != nil {
		return err
	}
	s.logger.Debug().Int("count", len(docs)).Msg("Documents indexed")
	return nil
}

func (s *Store) columns(docs []vectorstore.Document) ([]entity.Column, error) {
	n := len(docs)
	ids := make([]string, n)
	vectors := make([][]float32, n)
	texts := make([]string, n)
	sources := make([]string, n)
	offsets := make([]int64, n)
	pages := make([]int64, n)
	metadata := make([]string, n)

	for i, doc := range docs {
		if len(doc.Vector) != s.dimension {
			return nil, fmt.Errorf("%w: document %s has %d, want %d",
				vectorstore.ErrDimensionMismatch, doc.ID(), len(doc.Vector), s.dimension)
		}
		ids[i] = doc.ID()
		vectors[i] = doc.Vector
		texts[i] = doc.Text
		sources[i] = doc.SourceID
		offsets[i] = int64(doc.Offset)
		pages[i] = noPage
		if doc.Page != nil {
			pages[i] = int64(*doc.Page)
		}
		metadata[i] = encodeMetadata(doc.Metadata)
	}

	return []entity.Column{
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldVector, s.dimension, vectors),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldSourceID, sources),
		entity.NewColumnInt64(fieldOffset, offsets),
		entity.NewColumnInt64(fieldPage, pages),
		entity.NewColumnVarChar(fieldMetadata, metadata),
	}, nil
}

// Delete implements vectorstore.Index
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	expr := inExpr(fieldID, ids)
	return s.withRetry(ctx, "delete", func(ctx context.Context) error {
		return s.conn.Delete(ctx, s.collection, "", expr)
	})
}

// Health checks that the collection is reachable
func (s *Store) Health(ctx context.Context) error {
	ok, err := s.conn.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("milvus health check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("collection %s does not exist", s.collection)
	}
	return nil
}

// Close closes the connection
func (s *Store) Close() error {
	return s.conn.Close()
}

func metricType(name string) (entity.MetricType, error) {
	switch strings.ToUpper(name) {
	case "L2":
		return entity.L2, nil
	case "IP":
		return entity.IP, nil
	default:
		return "", fmt.Errorf("unsupported metric %q", name)
	}
}

// score maps a raw Milvus score to a relevance where higher is better. L2
// distances are squashed into (0,1].
func score(metric entity.MetricType, raw float32) float64 {
	if metric == entity.L2 {
		return 1 / (1 + float64(raw))
	}
	return float64(raw)
}

// buildExpr splits filter into a boolean expression over scalar columns and
// the remaining metadata conditions.
func buildExpr(filter retrieval.Filter) (string, retrieval.Filter) {
	var expr string
	rest := retrieval.Filter{}
	for k, v := range filter {
		if k == fieldSourceID {
			expr = fmt.Sprintf("%s == %s", fieldSourceID, quote(v))
			continue
		}
		rest[k] = v
	}
	return expr, rest
}

func inExpr(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", "))
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

var errColumn = errors.New("unexpected result column")

// chunksFromResults converts the columns of a single-vector search into
// chunks, in the order Milvus ranked them.
func chunksFromResults(results []client.SearchResult, metric entity.MetricType) ([]retrieval.ScoredChunk, error) {
	var out []retrieval.ScoredChunk
	for _, result := range results {
		chunks := make([]retrieval.ScoredChunk, result.ResultCount)
		for i := range chunks {
			if i < len(result.Scores) {
				chunks[i].Score = score(metric, result.Scores[i])
			}
		}

		for _, col := range result.Fields {
			switch col.Name() {
			case fieldText, fieldSourceID, fieldMetadata:
				c, ok := col.(*entity.ColumnVarChar)
				if !ok || len(c.Data()) < len(chunks) {
					return nil, fmt.Errorf("%w: %s (%T)", errColumn, col.Name(), col)
				}
				for i, v := range c.Data()[:len(chunks)] {
					switch col.Name() {
					case fieldText:
						chunks[i].Text = v
					case fieldSourceID:
						chunks[i].SourceID = v
					default:
						chunks[i].Metadata = decodeMetadata(v)
					}
				}
			case fieldOffset, fieldPage:
				c, ok := col.(*entity.ColumnInt64)
				if !ok || len(c.Data()) < len(chunks) {
					return nil, fmt.Errorf("%w: %s (%T)", errColumn, col.Name(), col)
				}
				for i, v := range c.Data()[:len(chunks)] {
					if col.Name() == fieldOffset {
						chunks[i].Offset = int(v)
					} else if v != noPage {
						p := int(v)
						chunks[i].Page = &p
					}
				}
			}
		}
		out = append(out, chunks...)
	}
	if out == nil {
		out = []retrieval.ScoredChunk{}
	}
	return out, nil
}

func encodeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return "{}"
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMetadata(data string) map[string]string {
	var metadata map[string]string
	if err := json.Unmarshal([]byte(data), &metadata); err != nil || len(metadata) == 0 {
		return nil
	}
	return metadata
}

var _ vectorstore.Index = (*Store)(nil)
