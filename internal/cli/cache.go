package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/objones25/ragcore/internal/embeddings"
	"github.com/objones25/ragcore/internal/embeddings/cache"
)

func newKeyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "key <text>",
		Short: "Print the cache key derived from a text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := cache.NewKeyDeriver(a.cfg.Cache.Prefix)
			_, err := fmt.Fprintln(cmd.OutOrStdout(), keys.Key(args[0]))
			return err
		},
	}
}

type statsReport struct {
	Backend string           `json:"backend"`
	Prefix  string           `json:"prefix"`
	TTL     string           `json:"ttl"`
	Healthy bool             `json:"healthy"`
	Error   string           `json:"error,omitempty"`
	Entries int              `json:"entries"`
	Stats   embeddings.Stats `json:"stats"`
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache health and entry count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, store, err := a.openCache(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			report := statsReport{
				Backend: a.cfg.Cache.Backend,
				Prefix:  c.Prefix(),
				TTL:     c.TTL().String(),
				Healthy: true,
				Stats:   c.Stats(),
			}
			if err := c.Health(ctx); err != nil {
				report.Healthy = false
				report.Error = err.Error()
			} else if report.Entries, err = c.Size(ctx); err != nil {
				return fmt.Errorf("failed to count entries: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newKeysCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List cache keys with their remaining TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, store, err := a.openCache(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			in, ok := store.(cache.Inspector)
			if !ok {
				return cache.ErrNotInspectable
			}
			ctx := cmd.Context()
			keys, err := in.Keys(ctx, c.Prefix(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tTTL")
			for _, key := range keys {
				ttl, err := in.TTL(ctx, key)
				switch {
				case cache.IsNotFound(err):
					continue
				case err != nil:
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", key, formatTTL(ttl))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of keys; 0 lists all")
	return cmd
}

func formatTTL(ttl time.Duration) string {
	if ttl == cache.NoExpiry {
		return "none"
	}
	return ttl.Round(time.Second).String()
}

func newInvalidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <text>...",
		Short: "Remove the cached embedding of one or more texts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, store, err := a.openCache(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			removed := 0
			for _, text := range args {
				ok, err := c.Invalidate(cmd.Context(), text)
				if err != nil {
					return err
				}
				if ok {
					removed++
				}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"requested": len(args), "removed": removed})
		},
	}
}

var errNotConfirmed = errors.New("refusing to clear the cache without --yes")

func newClearCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entry under the cache namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errNotConfirmed
			}
			c, store, err := a.openCache(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := c.Clear(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"prefix": c.Prefix(), "deleted": n})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newPurgeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop expired entries from a bolt or memory store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			p, ok := store.(cache.Purger)
			if !ok {
				return fmt.Errorf("%s %w", a.cfg.Cache.Backend, cache.ErrNotPurgeable)
			}
			n, err := p.Purge(cmd.Context())
			if errors.Is(err, cache.ErrNotPurgeable) {
				return fmt.Errorf("%s %w", a.cfg.Cache.Backend, err)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
		},
	}
}

type warmReport struct {
	Queries    int      `json:"queries"`
	Candidates int      `json:"candidates"`
	Warmed     int      `json:"warmed"`
	Errors     []string `json:"errors,omitempty"`
	Duration   string   `json:"duration"`
}

func newWarmCommand(a *app) *cobra.Command {
	var (
		queryLog  string
		minCount  int
		batchSize int
		dimension int
	)
	cmd := &cobra.Command{
		Use:   "warm [query]...",
		Short: "Precompute embeddings for frequently issued queries",
		Long: `Replay a query log (one query per line) and precompute the embeddings of
every query seen at least --min-count times that is not already cached.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queries := args
			if queryLog != "" {
				logged, err := readQueryLog(queryLog)
				if err != nil {
					return err
				}
				queries = append(queries, logged...)
			}
			if len(queries) == 0 {
				return errors.New("no queries to warm; pass queries or --log")
			}

			c, store, err := a.openCache(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			embedder := embeddings.NewHashEmbedder(dimension)
			w := embeddings.NewWarmer(c, embedder.BatchCompute, embeddings.WarmerConfig{
				MinAccessCount: minCount,
				BatchSize:      batchSize,
			}, nil)
			for _, q := range queries {
				w.RecordAccess(q)
			}

			res, err := w.Warm(cmd.Context())
			if err != nil {
				return err
			}
			report := warmReport{
				Queries:    len(queries),
				Candidates: res.Candidates,
				Warmed:     res.Warmed,
				Duration:   res.Duration.Round(time.Millisecond).String(),
			}
			for _, err := range res.Errors {
				report.Errors = append(report.Errors, err.Error())
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&queryLog, "log", "", "file with one query per line")
	cmd.Flags().IntVar(&minCount, "min-count", 1, "minimum occurrences before a query is warmed")
	cmd.Flags().IntVar(&batchSize, "batch-size", 64, "texts embedded per batch")
	cmd.Flags().IntVar(&dimension, "dimension", 64, "embedding dimension")
	return cmd
}

func readQueryLog(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open query log: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query log: %w", err)
	}
	return out, nil
}
