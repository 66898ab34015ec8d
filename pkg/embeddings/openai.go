package embeddings

import (
	"context"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider generates embeddings through the OpenAI embeddings API or
// any endpoint speaking the same protocol (set a base URL for those).
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

var _ Provider = &OpenAIProvider{}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL    string
	model      openai.EmbeddingModel
	dimensions int
}

// WithBaseURL points the provider at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = baseURL
	}
}

// WithModel selects the embedding model.
func WithModel(model string, dimensions int) OpenAIOption {
	return func(c *openAIConfig) {
		c.model = openai.EmbeddingModel(model)
		c.dimensions = dimensions
	}
}

// NewOpenAIProvider creates a provider. Defaults to text-embedding-3-small
// with 1536 dimensions.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	cfg := openAIConfig{
		model:      openai.SmallEmbedding3,
		dimensions: 1536,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.model == "" {
		cfg.model = openai.SmallEmbedding3
	}
	if cfg.dimensions <= 0 {
		cfg.dimensions = 1536
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientCfg.BaseURL = cfg.baseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.model,
		dimensions: cfg.dimensions,
	}
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: p.model,
	})
	if err != nil {
		return nil, errors.Wrap(err, "embedding request failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data received")
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, errors.Wrap(err, "batch embedding request failed")
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Errorf("expected %d embeddings, received %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, errors.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (p *OpenAIProvider) GetModel() EmbeddingModel {
	return EmbeddingModel{
		Name:       string(p.model),
		Dimensions: p.dimensions,
	}
}
