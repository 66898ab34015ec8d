package embeddings

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// GenerateBatchSequential embeds texts one by one through p. Useful for
// providers without native batch support.
func GenerateBatchSequential(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = embedding
	}
	return results, nil
}

// GenerateBatchParallel embeds texts concurrently with bounded parallelism.
// Rate-limited backends tolerate this better than one giant request.
func GenerateBatchParallel(ctx context.Context, p Provider, texts []string, maxConcurrency int) ([][]float32, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			embedding, err := p.GenerateEmbedding(gctx, text)
			if err != nil {
				return err
			}
			results[i] = embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
