package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryType(t *testing.T) {
	tests := []struct {
		label string
		want  QueryType
	}{
		{"FACTUAL", QueryFactual},
		{"Procedural", QueryProcedural},
		{"  temporal\n", QueryTemporal},
		{"Category: COMPARATIVE", QueryComparative},
		{"summarization", QuerySummarization},
		{"complex", QueryComplex},
		{"other", QueryOther},
		{"no idea", DefaultQueryType},
		{"", DefaultQueryType},
		{"factual, not complex", QueryFactual},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseQueryType(tt.label))
		})
	}
}

func TestTransformer_Transform(t *testing.T) {
	ctx := context.Background()

	t.Run("Expands_And_Classifies", func(t *testing.T) {
		gen := &fakeGenerator{expansion: "  Members receive 30 days of leave per year.  "}
		cls := &fakeClassifier{label: "PROCEDURAL"}
		tr := NewTransformer(gen, cls, TransformerConfig{})

		out, err := tr.Transform(ctx, "how much leave do I get")
		require.NoError(t, err)
		assert.Equal(t, "Members receive 30 days of leave per year.", out.Expanded)
		assert.Equal(t, QueryProcedural, out.QueryType)
		assert.Equal(t, DefaultProfiles[QueryProcedural], out.Profile)
		assert.False(t, out.Fallback)
	})

	t.Run("Factual_Skips_Expansion", func(t *testing.T) {
		gen := &fakeGenerator{expansion: "unused"}
		tr := NewTransformer(gen, &fakeClassifier{label: "factual"}, TransformerConfig{})

		out, err := tr.Transform(ctx, "what is the passing score")
		require.NoError(t, err)
		assert.Equal(t, "what is the passing score", out.Expanded)
		assert.Equal(t, int64(0), gen.calls.Load())
	})

	t.Run("Generator_Failure_Fails_Open", func(t *testing.T) {
		gen := &fakeGenerator{err: errors.New("llm unavailable")}
		tr := NewTransformer(gen, nil, TransformerConfig{})

		out, err := tr.Transform(ctx, "original question")
		require.NoError(t, err)
		assert.Equal(t, "original question", out.Expanded)
		assert.Equal(t, DefaultQueryType, out.QueryType)
		assert.True(t, out.Fallback)
	})

	t.Run("Classifier_Failure_Fails_Open", func(t *testing.T) {
		gen := &fakeGenerator{expansion: "a passage"}
		cls := &fakeClassifier{err: errors.New("classifier down")}
		tr := NewTransformer(gen, cls, TransformerConfig{})

		out, err := tr.Transform(ctx, "question")
		require.NoError(t, err)
		assert.Equal(t, DefaultQueryType, out.QueryType)
		assert.Equal(t, "a passage", out.Expanded)
		assert.True(t, out.Fallback)
	})

	t.Run("Empty_Generation_Keeps_Query", func(t *testing.T) {
		tr := NewTransformer(&fakeGenerator{expansion: "   "}, nil, TransformerConfig{})
		out, err := tr.Transform(ctx, "question")
		require.NoError(t, err)
		assert.Equal(t, "question", out.Expanded)
	})

	t.Run("Cancellation_Propagates", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		tr := NewTransformer(&fakeGenerator{expansion: "x"}, nil, TransformerConfig{})
		_, err := tr.Transform(cctx, "question")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Rule_Based_Without_Generator", func(t *testing.T) {
		tr := NewTransformer(nil, nil, TransformerConfig{})

		out, err := tr.Transform(ctx, "What is the refund window?")
		require.NoError(t, err)
		assert.Equal(t, "definition of the refund window", out.Expanded)

		out, err = tr.Transform(ctx, "refund window")
		require.NoError(t, err)
		assert.Equal(t, "refund window requirements", out.Expanded)
	})
}

func TestTransformer_Rewrite(t *testing.T) {
	ctx := context.Background()

	t.Run("Parses_Numbered_List", func(t *testing.T) {
		gen := &fakeGenerator{rewrites: `1. annual leave entitlement for members
2) Annual Leave Entitlement For Members
- leave accrual rate per month
• short
3. "maximum carryover of unused leave"
original question here`}
		tr := NewTransformer(gen, nil, TransformerConfig{})

		rewrites, err := tr.Rewrite(ctx, "original question here", 5)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"annual leave entitlement for members",
			"leave accrual rate per month",
			"maximum carryover of unused leave",
		}, rewrites)
	})

	t.Run("Limits_Count", func(t *testing.T) {
		gen := &fakeGenerator{rewrites: "1. first long rewrite\n2. second long rewrite\n3. third long rewrite"}
		tr := NewTransformer(gen, nil, TransformerConfig{})

		rewrites, err := tr.Rewrite(ctx, "q", 2)
		require.NoError(t, err)
		assert.Len(t, rewrites, 2)
	})

	t.Run("Keeps_Leading_Numbers_In_Text", func(t *testing.T) {
		gen := &fakeGenerator{rewrites: "1. 30 days of annual leave policy"}
		tr := NewTransformer(gen, nil, TransformerConfig{})

		rewrites, err := tr.Rewrite(ctx, "q", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"30 days of annual leave policy"}, rewrites)
	})

	t.Run("Failure_Yields_None", func(t *testing.T) {
		tr := NewTransformer(&fakeGenerator{err: errors.New("boom")}, nil, TransformerConfig{})
		rewrites, err := tr.Rewrite(ctx, "q", 3)
		require.NoError(t, err)
		assert.Empty(t, rewrites)
	})

	t.Run("Zero_Requested", func(t *testing.T) {
		gen := &fakeGenerator{}
		tr := NewTransformer(gen, nil, TransformerConfig{})
		rewrites, err := tr.Rewrite(ctx, "q", 0)
		require.NoError(t, err)
		assert.Empty(t, rewrites)
		assert.Zero(t, gen.calls.Load())
	})

	t.Run("Rule_Based", func(t *testing.T) {
		tr := NewTransformer(nil, nil, TransformerConfig{})
		rewrites, err := tr.Rewrite(ctx, "How do I request leave?", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"procedure to request leave",
			"How do I request leave? requirements",
			"How do I request leave? policy",
		}, rewrites)
	})
}
