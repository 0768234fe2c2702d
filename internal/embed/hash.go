// Package embed provides a deterministic sentence embedder based on feature
// hashing. It needs no model files, so search works out of the box; a model
// server can replace it behind crawler.Embedder.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// ErrDimensions reports an unusable vector size.
var ErrDimensions = errors.New("embedding dimensions must be positive")

// stopwords carry no topical signal.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {},
}

// Hash maps text to L2-normalised vectors by hashing unigrams and bigrams
// into signed buckets.
type Hash struct {
	dims         int
	maxSentences int
}

// New returns a Hash embedder producing dims-long vectors and at most
// maxSentences vectors per document (zero means unlimited).
func New(dims, maxSentences int) (*Hash, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrDimensions, dims)
	}
	return &Hash{dims: dims, maxSentences: maxSentences}, nil
}

// Dims returns the vector length.
func (h *Hash) Dims() int {
	return h.dims
}

// EmbedSentences returns one vector per sentence of text. Sentences without
// any content words are skipped.
func (h *Hash) EmbedSentences(ctx context.Context, text string) ([][]float32, error) {
	var out [][]float32
	for _, s := range Sentences(text) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("embed sentences: %w", err)
		}
		if h.maxSentences > 0 && len(out) >= h.maxSentences {
			break
		}
		if vec, ok := h.embed(s); ok {
			out = append(out, vec)
		}
	}
	return out, nil
}

// EmbedQuery embeds text as a single vector.
func (h *Hash) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vec, _ := h.embed(text)
	return vec, nil
}

func (h *Hash) embed(text string) ([]float32, bool) {
	vec := make([]float32, h.dims)
	tokens := Tokens(text)
	if len(tokens) == 0 {
		return vec, false
	}
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return vec, false
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= norm
	}
	return vec, true
}

func (h *Hash) add(vec []float32, feature string, weight float32) {
	sum := xxhash.Sum64String(feature)
	bucket := sum % uint64(h.dims)
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

// Tokens lowercases text and returns its content words.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Sentences splits text at line breaks and at terminal punctuation followed
// by whitespace.
func Sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	flush := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i, r := range runes {
		switch {
		case r == '\n':
			flush(i)
			start = i + 1
		case r == '.' || r == '!' || r == '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush(i + 1)
			}
		}
	}
	flush(len(runes))
	return out
}
