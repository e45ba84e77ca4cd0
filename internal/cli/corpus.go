package cli

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/objones25/ragcore/internal/embeddings"
	"github.com/objones25/ragcore/internal/vectorstore"
)

//go:embed sample_corpus.json
var sampleCorpus []byte

const defaultEmbedBatch = 32

type corpusDoc struct {
	Text     string            `json:"text" yaml:"text"`
	SourceID string            `json:"source_id" yaml:"source_id"`
	Offset   int               `json:"offset" yaml:"offset"`
	Page     *int              `json:"page,omitempty" yaml:"page,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// loadCorpus reads chunk arrays from every file matching pattern, or the
// built-in sample corpus when pattern is empty. Files ending in .yaml or .yml
// are parsed as YAML, everything else as JSON. Patterns may use ** and {a,b}.
func loadCorpus(pattern string) ([]corpusDoc, error) {
	if pattern == "" {
		return parseCorpus("sample_corpus.json", sampleCorpus)
	}

	files, err := corpusFiles(pattern)
	if err != nil {
		return nil, err
	}

	var docs []corpusDoc
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read corpus: %w", err)
		}
		parsed, err := parseCorpus(path, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, parsed...)
	}
	return docs, nil
}

func parseCorpus(name string, data []byte) ([]corpusDoc, error) {
	var docs []corpusDoc
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("failed to parse corpus %s: %w", name, err)
		}
	default:
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("failed to parse corpus %s: %w", name, err)
		}
	}
	for i, d := range docs {
		if d.Text == "" || d.SourceID == "" {
			return nil, fmt.Errorf("corpus %s entry %d needs text and source_id", name, i)
		}
	}
	return docs, nil
}

// corpusFiles expands pattern into the matching files in lexical order. A
// pattern without glob syntax names a single file.
func corpusFiles(pattern string) ([]string, error) {
	pattern = filepath.Clean(pattern)
	if !strings.ContainsAny(pattern, "*?[{") {
		return []string{pattern}, nil
	}

	var files []string
	err := filepath.WalkDir(globBase(pattern), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		matched, err := doublestar.Match(filepath.ToSlash(pattern), filepath.ToSlash(path))
		if err != nil {
			return err
		}
		if matched {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expand corpus pattern: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no corpus files match %q", pattern)
	}
	return files, nil
}

// globBase returns the directory part of pattern before its first glob
// character
func globBase(pattern string) string {
	i := strings.IndexAny(pattern, "*?[{")
	return filepath.Dir(pattern[:i] + "x")
}

// embedCorpus computes the vectors of docs through the embedding cache in
// batches, drawing a progress bar on progress
func embedCorpus(ctx context.Context, c *embeddings.Cache, compute embeddings.BatchComputeFunc, docs []corpusDoc, progress io.Writer) ([]vectorstore.Document, error) {
	bar := progressbar.NewOptions(len(docs),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Embedding"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(progress)
		}),
	)

	out := make([]vectorstore.Document, len(docs))
	for i := 0; i < len(docs); i += defaultEmbedBatch {
		end := i + defaultEmbedBatch
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[i:end]

		texts := make([]string, len(batch))
		for j, d := range batch {
			texts[j] = d.Text
		}
		vectors, err := c.BatchGetOrCompute(ctx, texts, compute)
		if err != nil {
			return nil, fmt.Errorf("failed to embed corpus: %w", err)
		}

		for j, d := range batch {
			out[i+j] = vectorstore.Document{
				Text:     d.Text,
				SourceID: d.SourceID,
				Offset:   d.Offset,
				Page:     d.Page,
				Metadata: d.Metadata,
				Vector:   vectors[j],
			}
		}
		_ = bar.Add(len(batch))
	}
	_ = bar.Finish()
	return out, nil
}
