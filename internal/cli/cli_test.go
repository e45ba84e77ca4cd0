package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objones25/ragcore/internal/embeddings"
	"github.com/objones25/ragcore/internal/embeddings/cache"
	"github.com/objones25/ragcore/internal/retrieval"
	"github.com/objones25/ragcore/test/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// redisConfig writes a config file pointing the redis backend at a fresh
// miniredis and returns its path together with a store on the same server
func redisConfig(t *testing.T) (string, *cache.RedisStore) {
	t.Helper()
	s := testutil.StartRedis(t)
	path := filepath.Join(t.TempDir(), "ragcore.yaml")
	content := fmt.Sprintf("log:\n  level: error\nredis:\n  host: %s\n  port: %q\n", s.Host(), s.Port())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store, err := cache.NewRedisStore(cache.RedisConfig{Host: s.Host(), Port: s.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return path, store
}

func TestKeyCommand(t *testing.T) {
	out, err := execute(t, "key", "  Hello   World ", "--backend", "memory")
	require.NoError(t, err)
	assert.Equal(t, cache.NewKeyDeriver("").Key("hello world")+"\n", out)
}

func TestCacheCommands(t *testing.T) {
	ctx := context.Background()
	path, store := redisConfig(t)

	c, err := embeddings.NewCache(store, embeddings.DefaultCacheConfig())
	require.NoError(t, err)
	embedder := embeddings.NewHashEmbedder(8)
	for _, text := range []string{"annual leave", "sick leave", "parking"} {
		_, _, err := c.GetOrCompute(ctx, text, embedder.Compute)
		require.NoError(t, err)
	}
	require.NoError(t, store.Set(ctx, "session:1", cache.NewEntry([]float32{1}), time.Hour))

	t.Run("stats", func(t *testing.T) {
		out, err := execute(t, "stats", "-c", path)
		require.NoError(t, err)

		var report statsReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, "redis", report.Backend)
		assert.True(t, report.Healthy)
		assert.Equal(t, 3, report.Entries)
		assert.Equal(t, cache.KeyPrefix, report.Prefix)
	})

	t.Run("keys", func(t *testing.T) {
		out, err := execute(t, "keys", "-c", path)
		require.NoError(t, err)
		assert.Contains(t, out, c.Key("annual leave"))
		assert.NotContains(t, out, "session:1")
		assert.Contains(t, out, "168h0m0s")
	})

	t.Run("invalidate", func(t *testing.T) {
		out, err := execute(t, "invalidate", "-c", path, "Annual Leave", "never cached")
		require.NoError(t, err)

		var got map[string]int
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, map[string]int{"requested": 2, "removed": 1}, got)
	})

	t.Run("clear needs confirmation", func(t *testing.T) {
		_, err := execute(t, "clear", "-c", path)
		assert.ErrorIs(t, err, errNotConfirmed)
		n, err := store.Count(ctx, cache.KeyPrefix)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("clear", func(t *testing.T) {
		out, err := execute(t, "clear", "-c", path, "--yes")
		require.NoError(t, err)
		assert.Contains(t, out, `"deleted": 2`)

		_, err = store.Get(ctx, "session:1")
		assert.NoError(t, err)
	})
}

func TestRetrieveCommand(t *testing.T) {
	t.Run("repeat query hits the cache", func(t *testing.T) {
		out, err := execute(t, "retrieve", "How many days of annual leave do members get?",
			"--backend", "memory", "--log-level", "error", "--repeat", "2", "-k", "3")
		require.NoError(t, err)

		dec := json.NewDecoder(strings.NewReader(out))
		var first, second retrieval.Result
		require.NoError(t, dec.Decode(&first))
		require.NoError(t, dec.Decode(&second))

		assert.False(t, first.CacheHit)
		assert.True(t, second.CacheHit)
		assert.Equal(t, retrieval.QueryFactual, first.QueryType)
		assert.Equal(t, retrieval.StrategyTransformFuseRerank, first.Strategy)
		require.Len(t, first.Documents, 3)
		assert.Equal(t, "handbook", first.Documents[0].SourceID)
		assert.NotEqual(t, first.RequestID, second.RequestID)
	})

	t.Run("simple with filter", func(t *testing.T) {
		out, err := execute(t, "retrieve", "parking hours",
			"--backend", "memory", "--log-level", "error", "--simple", "--rerank", "0",
			"--filter", "section=facilities")
		require.NoError(t, err)

		var res retrieval.Result
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, retrieval.StrategyDirect, res.Strategy)
		assert.Equal(t, []string{"parking hours"}, res.Variants)
		require.Len(t, res.Documents, 1)
		assert.Equal(t, "facilities", res.Documents[0].SourceID)
	})

	t.Run("metrics", func(t *testing.T) {
		out, err := execute(t, "retrieve", "sick leave",
			"--backend", "memory", "--log-level", "error", "--metrics")
		require.NoError(t, err)
		assert.Contains(t, out, "embedding_cache_misses_total")
		assert.Contains(t, out, "retrieval_requests_total")
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := execute(t, "retrieve", "sick leave", "--backend", "memory", "--log-level", "error", "--mode", "fast")
		require.Error(t, err)
		assert.ErrorIs(t, err, retrieval.ErrInvalidOptions)
	})

	t.Run("bad corpus", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "corpus.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"text":"orphan"}]`), 0o644))
		_, err := execute(t, "retrieve", "q", "--backend", "memory", "--corpus", path)
		assert.ErrorContains(t, err, "source_id")
	})
}

func TestOverlapReranker(t *testing.T) {
	candidates := []retrieval.ScoredChunk{
		{Text: "The parking garage opens at 6am", SourceID: "a"},
		{Text: "Annual leave is 25 days", SourceID: "b"},
		{Text: "Leave carry over rules", SourceID: "c"},
	}
	got, err := overlapReranker{}.Rerank(context.Background(), "how many days of annual leave", candidates, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].SourceID)
	assert.Equal(t, "a", got[1].SourceID)
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.Equal(t, "a", candidates[0].SourceID)
}

func TestWarmCommand(t *testing.T) {
	ctx := context.Background()
	path, store := redisConfig(t)

	queryLog := filepath.Join(t.TempDir(), "queries.log")
	require.NoError(t, os.WriteFile(queryLog, []byte("leave policy\n\nLeave  Policy\nparking\n"), 0o644))

	var report warmReport
	out, err := execute(t, "warm", "--config", path, "--log", queryLog, "--min-count", "2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.Queries)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Warmed)

	_, err = store.Get(ctx, cache.NewKeyDeriver("").Key("leave policy"))
	require.NoError(t, err)

	out, err = execute(t, "warm", "--config", path, "--log", queryLog, "--min-count", "2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Zero(t, report.Candidates)

	_, err = execute(t, "warm", "--config", path)
	assert.Error(t, err)
}

func TestPurgeCommand(t *testing.T) {
	path, _ := redisConfig(t)
	_, err := execute(t, "purge", "--config", path)
	assert.ErrorIs(t, err, cache.ErrNotPurgeable)

	dir := t.TempDir()
	boltPath := filepath.Join(dir, "ragcore.yaml")
	content := fmt.Sprintf("log:\n  level: error\ncache:\n  backend: bolt\nbolt:\n  path: %q\n", filepath.Join(dir, "cache.db"))
	require.NoError(t, os.WriteFile(boltPath, []byte(content), 0o644))

	out, err := execute(t, "purge", "--config", boltPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed": 0}`, out)
}
