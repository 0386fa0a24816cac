// Package embedding turns text into fixed-dimension vectors for similarity
// search. The primary implementation calls a hosted sentence-encoder over an
// OpenAI-compatible /embeddings endpoint; when that model cannot be reached
// the process degrades to a deterministic zero-vector embedder so uploads and
// chat keep working, minus retrieval quality.
package embedding

import (
	"context"
	"errors"
	"math"
)

// Embedder converts batches of text into vectors, order-preserving, one
// vector per input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	// Degraded reports whether this embedder is the zero-vector fallback.
	Degraded() bool
}

// Cosine returns the cosine similarity of two vectors of equal length.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.New("vectors have different lengths")
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
