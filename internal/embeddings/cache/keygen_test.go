package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "What Is The Policy", "what is the policy"},
		{"trim", "  padded\t", "padded"},
		{"collapse whitespace", "a \t\n  b\r\nc", "a b c"},
		{"unicode", "ÉCOLE  Straße", "école straße"},
		{"empty", "", ""},
		{"only whitespace", " \t\n ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestKeyDeriver(t *testing.T) {
	d := NewKeyDeriver("")

	t.Run("Default_Prefix", func(t *testing.T) {
		assert.Equal(t, KeyPrefix, d.Prefix())
	})

	t.Run("Deterministic", func(t *testing.T) {
		k1 := d.Key("What is the refund policy?")
		k2 := d.Key("What is the refund policy?")
		assert.Equal(t, k1, k2)
		assert.True(t, strings.HasPrefix(k1, KeyPrefix))
		// sha256 hex digest
		assert.Len(t, strings.TrimPrefix(k1, KeyPrefix), 64)
	})

	t.Run("Equivalent_Text_Shares_Key", func(t *testing.T) {
		assert.Equal(t, d.Key("refund policy"), d.Key("  Refund\n\tPOLICY "))
	})

	t.Run("Distinct_Text_Distinct_Key", func(t *testing.T) {
		assert.NotEqual(t, d.Key("refund policy"), d.Key("return policy"))
	})

	t.Run("Prefix_Namespaces_Keys", func(t *testing.T) {
		v2 := NewKeyDeriver("emb:v2:")
		assert.NotEqual(t, d.Key("same text"), v2.Key("same text"))
		assert.Equal(t,
			strings.TrimPrefix(d.Key("same text"), KeyPrefix),
			strings.TrimPrefix(v2.Key("same text"), "emb:v2:"))
	})

	t.Run("Batch_Preserves_Order", func(t *testing.T) {
		texts := []string{"b", "a", "b"}
		keys := d.Keys(texts)
		assert.Equal(t, []string{d.Key("b"), d.Key("a"), d.Key("b")}, keys)
	})
}
