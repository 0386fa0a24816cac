// Package chunker splits raw document text into overlapping fixed-size
// character windows, the unit of embedding and retrieval.
//
// Splitting is purely positional: no sentence, word, or page awareness. That
// is a deliberate simplicity trade-off, so tests should not expect chunks to
// end on token boundaries.
package chunker

import (
	"fmt"
	"iter"

	"classpilot/internal/models"
)

// Chunker produces windows of Size characters that advance by Size-Overlap.
type Chunker struct {
	size    int
	overlap int
}

// New validates the window parameters. An overlap that is not strictly
// smaller than the size would stall the scan, so it is rejected up front.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrInvalidConfiguration, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must not be negative, got %d", models.ErrInvalidConfiguration, overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", models.ErrInvalidConfiguration, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the configured window size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured window overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunks returns a restartable sequence of (index, window) pairs covering the
// whole text. The final window is truncated to end exactly at the end of the
// input; the empty string yields no windows.
func (c *Chunker) Chunks(text string) iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		n := len(text)
		idx := 0
		for start := 0; start < n; {
			end := start + c.size
			if end > n {
				end = n
			}
			if !yield(idx, text[start:end]) {
				return
			}
			if end == n {
				return
			}
			start = end - c.overlap
			idx++
		}
	}
}

// Split materializes Chunks into a slice.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}
	out := make([]string, 0, len(text)/(c.size-c.overlap)+1)
	for _, chunk := range c.Chunks(text) {
		out = append(out, chunk)
	}
	return out
}
