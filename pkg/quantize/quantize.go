// Package quantize maps reduced real vectors onto the bounded signed-integer
// domain of the encrypted dot-product circuit.
//
// A vector is normalized by its L2 norm, scaled by 2^(B-1)-1, clamped to the
// B-bit signed range and rounded. The transform is lossy and one-way; only an
// approximate reconstruction is possible.
package quantize

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultBits is the quantization width used when none is configured.
	DefaultBits = 4

	// MinBits and MaxBits bound the supported quantization widths.
	MinBits = 2
	MaxBits = 16

	// Epsilon floors the norm so the zero vector never divides by zero.
	Epsilon = 1e-10
)

var (
	// ErrInvalidBits is returned for a bit width outside [MinBits, MaxBits].
	ErrInvalidBits = errors.New("quantize: unsupported bit width")

	// ErrEmptyVector is returned when there is nothing to quantize.
	ErrEmptyVector = errors.New("quantize: empty vector")
)

// Vector is a quantized vector with the scalars needed to interpret it.
type Vector struct {
	// Values are the clamped B-bit signed integers.
	Values []int64

	// Norm is the L2 norm of the reduced vector before normalization,
	// floored at Epsilon.
	Norm float64

	// QNorm is the L2 norm of Values. Similarity scores are rescaled with it
	// on both the chunk and the query side.
	QNorm float64

	// Bits is the quantization width the values were produced with.
	Bits int
}

// Range returns the inclusive signed-integer bounds for a bit width.
func Range(bits int) (lo, hi int64) {
	return -(int64(1) << (bits - 1)), int64(1)<<(bits-1) - 1
}

// Scale returns the multiplier applied to a unit-normalized component.
func Scale(bits int) float64 {
	return float64(int64(1)<<(bits-1) - 1)
}

// Quantize normalizes, scales, clamps and rounds reduced into a B-bit vector.
func Quantize(reduced []float64, bits int) (Vector, error) {
	if bits < MinBits || bits > MaxBits {
		return Vector{}, fmt.Errorf("%w: %d", ErrInvalidBits, bits)
	}
	if len(reduced) == 0 {
		return Vector{}, ErrEmptyVector
	}

	norm := math.Max(floats.Norm(reduced, 2), Epsilon)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return Vector{}, fmt.Errorf("quantize: non-finite norm %v", norm)
	}

	scale := Scale(bits)
	lo, hi := Range(bits)
	values := make([]int64, len(reduced))
	for i, x := range reduced {
		v := x / norm * scale
		v = math.Max(float64(lo), math.Min(float64(hi), v))
		values[i] = int64(math.Round(v))
	}

	return Vector{
		Values: values,
		Norm:   norm,
		QNorm:  IntNorm(values),
		Bits:   bits,
	}, nil
}

// Approximate reconstructs the reduced vector up to quantization error.
func (v Vector) Approximate() []float64 {
	scale := Scale(v.Bits)
	out := make([]float64, len(v.Values))
	for i, q := range v.Values {
		out[i] = float64(q) / scale * v.Norm
	}
	return out
}

// InRange reports whether every value fits the signed range of bits.
func InRange(values []int64, bits int) bool {
	lo, hi := Range(bits)
	for _, v := range values {
		if v < lo || v > hi {
			return false
		}
	}
	return true
}

// IntNorm returns the L2 norm of an integer vector.
func IntNorm(values []int64) float64 {
	var sum float64
	for _, v := range values {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Dot is the plaintext integer dot product the encrypted circuit reproduces.
func Dot(a, b []int64) int64 {
	var sum int64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
