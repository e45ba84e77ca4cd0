package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

const (
	// KeyPrefix is the default namespace for embedding cache keys. The
	// generation tag ("v1") must be bumped whenever the embedding model or the
	// normalization rule changes.
	KeyPrefix = "emb:v1:"
)

// KeyDeriver derives fixed-length cache keys from input text
type KeyDeriver struct {
	prefix string
}

// NewKeyDeriver creates a key deriver for the given namespace prefix
func NewKeyDeriver(prefix string) *KeyDeriver {
	if prefix == "" {
		prefix = KeyPrefix
	}
	return &KeyDeriver{prefix: prefix}
}

// Prefix returns the namespace prefix shared by every derived key
func (d *KeyDeriver) Prefix() string {
	return d.prefix
}

// Key returns <prefix><sha256-hex(Normalize(text))>
func (d *KeyDeriver) Key(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return d.prefix + hex.EncodeToString(sum[:])
}

// Keys derives keys for multiple texts, preserving order
func (d *KeyDeriver) Keys(texts []string) []string {
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = d.Key(text)
	}
	return keys
}

// Normalize lower-cases text, trims it and collapses every run of whitespace
// into a single space.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	pendingSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
