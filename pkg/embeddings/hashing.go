package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// Hashing is a deterministic bag-of-words embedder. Each lowercased token
// is hashed into one of Dim buckets with a hashed sign. It needs no model
// and is meant for demos and tests; texts sharing words get similar vectors.
type Hashing struct {
	Dim int
}

// NewHashing returns a hashing embedder producing dim-wide vectors.
func NewHashing(dim int) *Hashing {
	return &Hashing{Dim: dim}
}

// Embed returns the L2-normalized hashed token vector of text.
func (h *Hashing) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.Dim)
	for _, tok := range tokenize(text) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(h.Dim)] += sign
	}
	if n := floats.Norm(vec, 2); n > 0 {
		floats.Scale(1/n, vec)
	}
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
