package testutil

import (
	"context"
	"crypto/sha256"
	"math"

	"github.com/pgvector/pgvector-go"
)

// HashEmbedder is a deterministic embedding provider for tests. Identical
// texts map to identical vectors; unrelated texts are nearly orthogonal in
// expectation. No network, no model.
type HashEmbedder struct {
	Dims int
}

// Dimensions returns the configured vector size.
func (e *HashEmbedder) Dimensions() int { return e.Dims }

// Embed derives a unit vector from the SHA-256 of the text.
func (e *HashEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, e.Dims)
	var norm float64
	for i := range vec {
		b := sum[i%len(sum)]
		// Spread bytes into [-1, 1), perturbed by position so dimensions differ.
		v := float64(int(b)^(i*31)%256)/128 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return pgvector.NewVector(vec), nil
}

// EmbedBatch embeds each text independently.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
