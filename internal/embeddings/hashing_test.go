package embeddings

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	h := NewHashEmbedder(128)
	assert.Equal(t, 128, h.Dimension())

	a, err := h.Compute(ctx, "Annual leave policy")
	require.NoError(t, err)
	require.Len(t, a, 128)
	assert.InDelta(t, 1.0, norm(a), 1e-5)

	t.Run("deterministic over normalization", func(t *testing.T) {
		b, err := h.Compute(ctx, "  annual   LEAVE policy ")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("shared words are closer", func(t *testing.T) {
		near, err := h.Compute(ctx, "annual leave entitlement")
		require.NoError(t, err)
		far, err := h.Compute(ctx, "parking garage opening hours")
		require.NoError(t, err)
		assert.Greater(t, dot(a, near), dot(a, far))
	})

	t.Run("empty text", func(t *testing.T) {
		v, err := h.Compute(ctx, "")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, norm(v), 1e-6)
	})

	t.Run("batch", func(t *testing.T) {
		vs, err := h.BatchCompute(ctx, []string{"annual leave policy", "x"})
		require.NoError(t, err)
		require.Len(t, vs, 2)
		assert.Equal(t, a, vs[0])
		assert.EqualValues(t, 1, h.BatchCalls())
	})

	assert.EqualValues(t, 5, h.Calls())
}

func TestHashEmbedder_Simulation(t *testing.T) {
	ctx := context.Background()
	h := NewHashEmbedder(0)
	assert.Equal(t, 64, h.Dimension())

	boom := errors.New("model offline")
	h.SetError(boom)
	_, err := h.Compute(ctx, "q")
	assert.ErrorIs(t, err, boom)
	h.SetError(nil)

	h.SetLatency(time.Second)
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = h.Compute(tctx, "q")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
