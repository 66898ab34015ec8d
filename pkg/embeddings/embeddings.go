package embeddings

import (
	"context"
	"math"
)

// EmbeddingModel contains metadata about the embedding model.
type EmbeddingModel struct {
	Name       string
	Dimensions int
}

// Provider defines the interface for generating embeddings. The knowledge
// store uses it for both entry content and search queries; both sides must
// come from the same provider so the vectors share a space.
type Provider interface {
	// GenerateEmbedding creates an embedding vector for the given text.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// GenerateBatchEmbeddings creates embedding vectors for multiple texts
	// at once, typically cheaper than repeated GenerateEmbedding calls.
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)

	// GetModel returns information about the embedding model being used.
	GetModel() EmbeddingModel
}

// Normalize scales v to unit length in place and returns it. Cosine
// similarity between normalized vectors reduces to a dot product.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Dot returns the dot product of two equal-length vectors. For normalized
// vectors this is their cosine similarity.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
