package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashingEmbedder maps text to a bag-of-words vector using feature hashing.
// It needs no network and is deterministic, so texts sharing vocabulary score
// high under cosine similarity. Quality is far below a hosted model.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder returns a local embedder with the given dimensionality.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

func (h *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, h.dim)
	for _, tok := range Tokenize(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[int(sum>>1)%h.dim] += sign
	}
	l2normalize(v)
	return v, nil
}

func (h *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashingEmbedder) Dimensions() int { return h.dim }
func (h *HashingEmbedder) Model() string   { return "local-hashing" }

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
