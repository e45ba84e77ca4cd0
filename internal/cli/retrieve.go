package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/objones25/ragcore/internal/embeddings"
	"github.com/objones25/ragcore/internal/retrieval"
	"github.com/objones25/ragcore/internal/vectorstore"
	"github.com/objones25/ragcore/internal/vectorstore/memory"
	"github.com/objones25/ragcore/internal/vectorstore/milvus"
)

const (
	indexMemory = "memory"
	indexMilvus = "milvus"
)

type retrieveFlags struct {
	corpus      string
	index       string
	dimension   int
	topK        int
	mode        string
	simple      bool
	noTransform bool
	noFusion    bool
	rerank      int
	repeat      int
	filter      map[string]string
	metrics     bool
}

func newRetrieveCommand(a *app) *cobra.Command {
	var f retrieveFlags
	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Run retrieval end to end against a corpus and print the results",
		Long: `Run the adaptive retriever with a deterministic hashing embedder and the
configured embedding cache. With the memory index the corpus (or a built-in
sample) is embedded and indexed first; with the milvus index the collection
must already be populated by "ragcore index".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRetrieve(cmd.Context(), cmd.OutOrStdout(), args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.corpus, "corpus", "", "JSON or YAML corpus file or glob; defaults to the built-in sample")
	fl.StringVar(&f.index, "index", indexMemory, "vector index: memory or milvus")
	fl.IntVar(&f.dimension, "dimension", 64, "embedding dimension")
	fl.IntVarP(&f.topK, "top-k", "k", 0, "documents to return; 0 uses the configured default")
	fl.StringVar(&f.mode, "mode", "", "retrieval mode: adaptive, simple or diverse")
	fl.BoolVar(&f.simple, "simple", false, "single embedding and search, no transformation")
	fl.BoolVar(&f.noTransform, "no-transform", false, "skip query transformation")
	fl.BoolVar(&f.noFusion, "no-fusion", false, "skip multi-query fusion")
	fl.IntVar(&f.rerank, "rerank", -1, "candidates to re-rank; -1 uses the configured default, 0 disables")
	fl.IntVar(&f.repeat, "repeat", 1, "number of times to run the query")
	fl.StringToStringVar(&f.filter, "filter", nil, "metadata filter, e.g. section=leave")
	fl.BoolVar(&f.metrics, "metrics", false, "print Prometheus metrics after the run")
	return cmd
}

func (f retrieveFlags) options(base retrieval.Options) retrieval.Options {
	opts := base
	if f.simple {
		opts = retrieval.SimpleOptions()
		opts.TopK = base.TopK
	}
	if f.topK > 0 {
		opts.TopK = f.topK
	}
	if f.mode != "" {
		opts.Mode = retrieval.Mode(f.mode)
	}
	if f.noTransform {
		opts.DisableQueryTransform = true
	}
	if f.noFusion {
		opts.DisableMultiQuery = true
	}
	if f.rerank >= 0 {
		opts.RerankCount = retrieval.Rerank(f.rerank)
	}
	if len(f.filter) > 0 {
		opts.Filter = retrieval.Filter(f.filter)
	}
	return opts
}

func (a *app) runRetrieve(ctx context.Context, out io.Writer, query string, f retrieveFlags) error {
	if f.repeat < 1 {
		f.repeat = 1
	}
	reg := prometheus.NewRegistry()

	c, store, err := a.openCache(reg)
	if err != nil {
		return err
	}
	defer store.Close()

	embedder := embeddings.NewHashEmbedder(f.dimension)
	index, err := a.openIndex(ctx, c, embedder, f)
	if err != nil {
		return err
	}
	defer index.Close()

	rc := a.cfg.RetrievalConfig()
	rc.Registerer = reg
	r, err := retrieval.New(
		embeddings.NewCachedSource(c, embedder.Compute),
		index,
		rc,
		retrieval.WithTransformer(retrieval.NewTransformer(nil, retrieval.KeywordClassifier{}, retrieval.DefaultTransformerConfig())),
		retrieval.WithReranker(overlapReranker{}),
	)
	if err != nil {
		return err
	}

	opts := f.options(a.cfg.RetrievalOptions())
	for i := 0; i < f.repeat; i++ {
		res, err := r.Retrieve(ctx, query, opts)
		if err != nil {
			var re *retrieval.Error
			if errors.As(err, &re) {
				return fmt.Errorf("%s: %w", re.UserMessage(), err)
			}
			return err
		}
		if err := writeJSON(out, res); err != nil {
			return err
		}
	}

	if f.metrics {
		return writeMetrics(out, reg)
	}
	return nil
}

func (a *app) openIndex(ctx context.Context, c *embeddings.Cache, embedder *embeddings.HashEmbedder, f retrieveFlags) (vectorstore.Index, error) {
	switch f.index {
	case indexMemory:
		docs, err := loadCorpus(f.corpus)
		if err != nil {
			return nil, err
		}
		vectors, err := embedCorpus(ctx, c, embedder.BatchCompute, docs, io.Discard)
		if err != nil {
			return nil, err
		}
		idx := memory.New(embedder.Dimension())
		if err := idx.Insert(ctx, vectors); err != nil {
			return nil, err
		}
		return idx, nil

	case indexMilvus:
		mc := a.cfg.MilvusConfig()
		mc.Dimension = embedder.Dimension()
		return milvus.New(ctx, mc)

	default:
		return nil, fmt.Errorf("unknown index %q", f.index)
	}
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func newIndexCommand(a *app) *cobra.Command {
	var (
		corpus    string
		dimension int
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed a corpus through the cache and write it to Milvus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			docs, err := loadCorpus(corpus)
			if err != nil {
				return err
			}

			c, store, err := a.openCache(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			embedder := embeddings.NewHashEmbedder(dimension)
			vectors, err := embedCorpus(ctx, c, embedder.BatchCompute, docs, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			mc := a.cfg.MilvusConfig()
			mc.Dimension = embedder.Dimension()
			idx, err := milvus.New(ctx, mc)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := idx.Insert(ctx, vectors); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"collection": mc.CollectionName,
				"indexed":    len(vectors),
				"cache":      c.Stats(),
			})
		},
	}
	cmd.Flags().StringVar(&corpus, "corpus", "", "JSON or YAML corpus file or glob; defaults to the built-in sample")
	cmd.Flags().IntVar(&dimension, "dimension", 64, "embedding dimension")
	return cmd
}
