package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// QueryType buckets a query by the kind of answer it needs
type QueryType string

const (
	QueryFactual       QueryType = "factual"
	QueryProcedural    QueryType = "procedural"
	QueryTemporal      QueryType = "temporal"
	QueryComparative   QueryType = "comparative"
	QuerySummarization QueryType = "summarization"
	QueryComplex       QueryType = "complex"
	QueryOther         QueryType = "other"
)

// DefaultQueryType is used when classification is unavailable or fails
const DefaultQueryType = QueryOther

var queryTypes = []QueryType{
	QueryFactual, QueryProcedural, QueryTemporal, QueryComparative,
	QuerySummarization, QueryComplex, QueryOther,
}

// ParseQueryType maps a free-text classifier label to a QueryType. The first
// known type named anywhere in the label wins; unknown labels map to
// DefaultQueryType.
func ParseQueryType(label string) QueryType {
	l := strings.ToLower(label)
	best, pos := DefaultQueryType, -1
	for _, qt := range queryTypes {
		if i := strings.Index(l, string(qt)); i >= 0 && (pos < 0 || i < pos) {
			best, pos = qt, i
		}
	}
	return best
}

// Profile is the adaptive feature set for a query type
type Profile struct {
	// Expand enables the hypothetical-answer expansion
	Expand bool
	// Rewrites is the number of generated reformulations in adaptive mode
	Rewrites int
}

// DefaultProfiles maps each query type to its adaptive features
var DefaultProfiles = map[QueryType]Profile{
	QueryFactual:       {Expand: false, Rewrites: 0},
	QueryProcedural:    {Expand: true, Rewrites: 2},
	QueryTemporal:      {Expand: false, Rewrites: 2},
	QueryComparative:   {Expand: true, Rewrites: 3},
	QuerySummarization: {Expand: true, Rewrites: 2},
	QueryComplex:       {Expand: true, Rewrites: 4},
	QueryOther:         {Expand: true, Rewrites: 0},
}

// Transformation is the output of Transform
type Transformation struct {
	// Expanded is the text to search with; the original query on fallback
	Expanded  string
	QueryType QueryType
	Profile   Profile
	// Fallback is set when a dependency failed and defaults were used
	Fallback bool
}

// TransformerConfig holds configuration for the query transformer
type TransformerConfig struct {
	// ExpansionPrompt is a fmt template taking the query
	ExpansionPrompt string
	// RewritePrompt is a fmt template taking the count and the query
	RewritePrompt string
	// Profiles overrides DefaultProfiles
	Profiles map[QueryType]Profile
	// MinRewriteLength drops generated lines shorter than this
	MinRewriteLength int
}

const (
	defaultExpansionPrompt = `Given a question, write a short hypothetical passage, as it would appear in a reference document, that directly answers it. Use specific terminology, numbers and timeframes.

Question: %s

Hypothetical passage:`

	defaultRewritePrompt = `Reformulate the question below into %d different search queries that use the vocabulary of formal reference documents. Output one query per line, numbered.

Question: %s

1.`

	defaultMinRewriteLength = 10
)

// DefaultTransformerConfig returns default transformer settings
func DefaultTransformerConfig() TransformerConfig {
	return TransformerConfig{
		ExpansionPrompt:  defaultExpansionPrompt,
		RewritePrompt:    defaultRewritePrompt,
		Profiles:         DefaultProfiles,
		MinRewriteLength: defaultMinRewriteLength,
	}
}

// Transformer expands and classifies queries. It fails open: generator or
// classifier errors yield the original query and DefaultQueryType. Only
// context cancellation is returned as an error.
type Transformer struct {
	generator  Generator
	classifier Classifier
	cfg        TransformerConfig
	logger     zerolog.Logger
}

// NewTransformer creates a transformer. Both dependencies are optional: with
// no generator a rule-based expansion is used, with no classifier every query
// is DefaultQueryType.
func NewTransformer(generator Generator, classifier Classifier, cfg TransformerConfig) *Transformer {
	def := DefaultTransformerConfig()
	if cfg.ExpansionPrompt == "" {
		cfg.ExpansionPrompt = def.ExpansionPrompt
	}
	if cfg.RewritePrompt == "" {
		cfg.RewritePrompt = def.RewritePrompt
	}
	if cfg.Profiles == nil {
		cfg.Profiles = def.Profiles
	}
	if cfg.MinRewriteLength <= 0 {
		cfg.MinRewriteLength = def.MinRewriteLength
	}
	return &Transformer{
		generator:  generator,
		classifier: classifier,
		cfg:        cfg,
		logger:     log.With().Str("component", "query_transformer").Logger(),
	}
}

// Transform classifies query and, when the type's profile asks for it,
// produces a hypothetical-answer expansion.
func (t *Transformer) Transform(ctx context.Context, query string) (Transformation, error) {
	out := Transformation{Expanded: query, QueryType: DefaultQueryType}

	qt, err := t.Classify(ctx, query)
	if err != nil {
		if isContextErr(err) {
			return out, err
		}
		out.Fallback = true
	}
	out.QueryType = qt
	out.Profile = t.profile(qt)

	if !out.Profile.Expand {
		return out, nil
	}

	expanded, err := t.Expand(ctx, query)
	if err != nil {
		if isContextErr(err) {
			return out, err
		}
		out.Fallback = true
		return out, nil
	}
	out.Expanded = expanded
	return out, nil
}

// Classify returns the query type. On classifier failure it returns
// DefaultQueryType together with the error.
func (t *Transformer) Classify(ctx context.Context, query string) (QueryType, error) {
	if t.classifier == nil {
		return DefaultQueryType, nil
	}
	label, err := t.classifier.Classify(ctx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return DefaultQueryType, ctxErr
		}
		t.logger.Warn().Err(err).Msg("Query classification failed, using default type")
		return DefaultQueryType, err
	}
	qt := ParseQueryType(label)
	t.logger.Debug().Str("label", label).Str("query_type", string(qt)).Msg("Classified query")
	return qt, nil
}

// Expand returns a hypothetical answer to query. On generator failure it
// returns the original query together with the error.
func (t *Transformer) Expand(ctx context.Context, query string) (string, error) {
	if t.generator == nil {
		return ruleExpansion(query), nil
	}
	text, err := t.generator.Generate(ctx, fmt.Sprintf(t.cfg.ExpansionPrompt, query))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return query, ctxErr
		}
		t.logger.Warn().Err(err).Msg("Query expansion failed, using original query")
		return query, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return query, nil
	}
	return text, nil
}

// Rewrite returns up to n reformulations of query, never including the query
// itself. Generator failures yield no rewrites.
func (t *Transformer) Rewrite(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if t.generator == nil {
		return limit(ruleRewrites(query), n), nil
	}

	text, err := t.generator.Generate(ctx, fmt.Sprintf(t.cfg.RewritePrompt, n, query))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		t.logger.Warn().Err(err).Msg("Query rewrite failed, continuing without rewrites")
		return nil, nil
	}

	rewrites := parseNumberedList(text, t.cfg.MinRewriteLength)
	rewrites = dedupeQueries(append([]string{query}, rewrites...))[1:]
	rewrites = limit(rewrites, n)
	t.logger.Debug().Int("requested", n).Int("generated", len(rewrites)).Msg("Rewrote query")
	return rewrites, nil
}

func (t *Transformer) profile(qt QueryType) Profile {
	if p, ok := t.cfg.Profiles[qt]; ok {
		return p
	}
	return t.cfg.Profiles[DefaultQueryType]
}

var listMarker = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*`)

// parseNumberedList extracts one entry per line, stripping list markers such
// as "1.", "2)", "-" and "•".
func parseNumberedList(text string, minLen int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = listMarker.ReplaceAllString(strings.TrimSpace(line), "")
		line = strings.TrimSpace(strings.Trim(line, `"`))
		if len(line) < minLen {
			continue
		}
		out = append(out, line)
	}
	return out
}

// dedupeQueries removes case-insensitive duplicates, keeping first occurrences
func dedupeQueries(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		key := strings.ToLower(strings.TrimSpace(q))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}
	return out
}

func limit(queries []string, n int) []string {
	if len(queries) > n {
		return queries[:n]
	}
	return queries
}

var questionPrefixes = []struct {
	prefix  string
	rewrite string
}{
	{"what is ", "definition of "},
	{"what are ", "overview of "},
	{"how do i ", "procedure to "},
	{"how to ", "procedure to "},
	{"how many ", "number of "},
	{"how long ", "duration of "},
	{"when ", "timeline for "},
	{"can i ", "eligibility to "},
}

// ruleExpansion rephrases a question as a statement-like search phrase
func ruleExpansion(query string) string {
	if r, ok := rephrase(query); ok {
		return r
	}
	return strings.TrimSpace(query) + " requirements"
}

// ruleRewrites derives rewrites without a generator
func ruleRewrites(query string) []string {
	q := strings.TrimSpace(query)
	var out []string
	if r, ok := rephrase(q); ok {
		out = append(out, r)
	}
	out = append(out, q+" requirements", q+" policy")
	return out
}

func rephrase(query string) (string, bool) {
	q := strings.TrimRight(strings.TrimSpace(query), "?")
	lower := strings.ToLower(q)
	for _, p := range questionPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.rewrite + lower[len(p.prefix):], true
		}
	}
	return "", false
}
