package ingest

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiprobe/apiprobe/pkg/embeddings"
	"github.com/apiprobe/apiprobe/pkg/knowledge"
)

type fakeEmbedder struct {
	calls atomic.Int64
}

func (f *fakeEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	return []float32{float32(len(text)), 1, 2}, nil
}

func (f *fakeEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.GenerateEmbedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) GetModel() embeddings.EmbeddingModel {
	return embeddings.EmbeddingModel{Name: "fake", Dimensions: 3}
}

const sampleMarkdown = `Intro paragraph before any heading.

# Users API

List and manage users.

- supports pagination
- requires authentication

## Errors

` + "```json\n{\"error\": \"not_found\"}\n```" + `

Returned when the user id does not exist.
`

func TestSplitMarkdownSections(t *testing.T) {
	t.Parallel()
	sections := SplitMarkdownSections(sampleMarkdown)
	require.Len(t, sections, 3)

	assert.Equal(t, "", sections[0].Heading)
	assert.Equal(t, 0, sections[0].Level)
	assert.Contains(t, sections[0].Body, "Intro paragraph")

	assert.Equal(t, "Users API", sections[1].Heading)
	assert.Equal(t, 1, sections[1].Level)
	assert.Contains(t, sections[1].Body, "List and manage users.")
	assert.Contains(t, sections[1].Body, "supports pagination")

	assert.Equal(t, "Errors", sections[2].Heading)
	assert.Equal(t, 2, sections[2].Level)
	assert.Contains(t, sections[2].Body, `"error": "not_found"`)
	assert.Contains(t, sections[2].Body, "Returned when the user id")
}

func TestImportMarkdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := knowledge.NewMemoryStore(&fakeEmbedder{})
	importer := NewImporter(store)

	ids, err := importer.ImportMarkdown(ctx, "/users", sampleMarkdown)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	entry, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "/users", entry.SourceAPIPath)
	assert.Equal(t, knowledge.KindEndpointDoc, entry.Kind)
	assert.True(t, strings.HasPrefix(entry.Content, "Users API"))
	assert.Equal(t, "Users API", entry.Metadata["heading"])
}

func TestImportHTML(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := knowledge.NewMemoryStore(&fakeEmbedder{})
	importer := NewImporter(store)

	page := `<html><head><title>Orders API</title>
<script>window.analytics()</script>
<style>body { color: red }</style></head>
<body><h1>Orders</h1><p>Create and list   orders.</p></body></html>`

	id, err := importer.ImportHTML(ctx, "/orders", strings.NewReader(page))
	require.NoError(t, err)

	entry, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Orders API", entry.Metadata["title"])
	assert.Contains(t, entry.Content, "Create and list orders.")
	assert.NotContains(t, entry.Content, "analytics")
	assert.NotContains(t, entry.Content, "color: red")
}

func TestImportDocumentsWithBatchEmbedder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	embedder := &fakeEmbedder{}
	store := knowledge.NewMemoryStore(embedder)
	importer := NewImporter(store, WithBatchEmbedder(embedder, 2))

	source := StaticSource{
		{APIPath: "/users", Method: "get", Summary: "List users", Detail: "Paginated."},
		{APIPath: "/users/{id}", Method: "get", Summary: "Fetch one user"},
		{APIPath: "/users", Method: "post", Summary: "Create a user"},
	}

	ids, err := importer.ImportDocuments(ctx, source)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	// Embeddings came from the up-front batch; the store did not re-embed.
	assert.Equal(t, int64(3), embedder.calls.Load())

	entry, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(entry.Content, "GET /users: List users"))
	assert.Contains(t, entry.Content, "Paginated.")
	assert.Equal(t, "get", entry.Metadata["method"])

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestImportDocumentsRejectsMissingPath(t *testing.T) {
	t.Parallel()
	importer := NewImporter(knowledge.NewMemoryStore(&fakeEmbedder{}))
	_, err := importer.ImportDocuments(context.Background(), StaticSource{{Method: "get"}})
	require.Error(t, err)
}
