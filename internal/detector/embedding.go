package detector

import (
	"fmt"
	"math"

	"github.com/dudu/edgeguard/internal/inference"
)

// ExtractEmbedding dequantizes a recognition network output and
// L2-normalizes it
func ExtractEmbedding(out inference.RawTensor) (Embedding, error) {
	var e Embedding
	if out.Len() != EmbeddingSize {
		return e, fmt.Errorf("%w: embedding has %d values, want %d", ErrUnsupportedInput, out.Len(), EmbeddingSize)
	}

	// Compute L2 norm
	var norm float64
	for i := 0; i < EmbeddingSize; i++ {
		v := out.At(i)
		e[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)

	// a silent network output stays the zero vector
	if norm < 1e-10 {
		return e, nil
	}

	// Normalize
	for i := range e {
		e[i] = float32(float64(e[i]) / norm)
	}

	return e, nil
}

// Distance returns the Euclidean distance between two embeddings
func (e *Embedding) Distance(o *Embedding) float32 {
	var sum float64
	for i := range e {
		d := float64(e[i] - o[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// Norm returns the L2 norm
func (e *Embedding) Norm() float32 {
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}
