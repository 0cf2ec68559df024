// Package reduce collapses high-dimensional embeddings to the small fixed width
// the encrypted dot-product circuit is compiled for.
//
// Reduction is block averaging: the input is split into width contiguous blocks
// of ⌊len/width⌋ elements and each block is replaced by its arithmetic mean. The
// last block absorbs any leftover elements. The transform is a pure function of
// its input, so ingestion and query time always agree on the reduced vector.
package reduce

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// DefaultWidth is the reduced dimension used when none is configured.
const DefaultWidth = 32

var (
	// ErrEmptyEmbedding is returned for a nil or zero-length embedding.
	ErrEmptyEmbedding = errors.New("reduce: empty embedding")

	// ErrInvalidWidth is returned when the target width is not in [1, len(embedding)].
	ErrInvalidWidth = errors.New("reduce: invalid target width")
)

// Reduce returns the block-averaged reduction of embedding to width elements.
func Reduce(embedding []float64, width int) ([]float64, error) {
	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if width <= 0 || width > len(embedding) {
		return nil, fmt.Errorf("%w: width %d for embedding of length %d", ErrInvalidWidth, width, len(embedding))
	}

	block := len(embedding) / width
	reduced := make([]float64, width)
	for i := 0; i < width; i++ {
		start := i * block
		end := start + block
		if i == width-1 {
			end = len(embedding)
		}
		reduced[i] = stat.Mean(embedding[start:end], nil)
	}
	return reduced, nil
}

// BlockBounds returns the [start, end) range of the i-th block for an input of
// length n reduced to width. It mirrors the rule Reduce applies.
func BlockBounds(n, width, i int) (start, end int) {
	block := n / width
	start = i * block
	end = start + block
	if i == width-1 {
		end = n
	}
	return start, end
}
