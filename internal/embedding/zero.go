package embedding

import "context"

// Zero is the degraded fallback embedder: every input maps to an all-zero
// vector of the configured dimension. Deterministic and infallible, it keeps
// upload and chat flows alive when the real encoder cannot be loaded, at the
// cost of meaningless similarity ranking.
type Zero struct {
	dimension int
}

// NewZero returns a fallback embedder of the given dimension.
func NewZero(dimension int) *Zero {
	if dimension <= 0 {
		dimension = 384
	}
	return &Zero{dimension: dimension}
}

func (z *Zero) Dimension() int { return z.dimension }

func (z *Zero) Degraded() bool { return true }

func (z *Zero) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, z.dimension)
	}
	return out, nil
}
