// Package ingest turns external API documentation into knowledge entries.
// Parsed endpoint documents, markdown files, and HTML pages all end up as
// endpoint_doc entries in a knowledge store; the OpenAPI parsing itself
// happens upstream.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/apiprobe/apiprobe/pkg/embeddings"
	"github.com/apiprobe/apiprobe/pkg/knowledge"
)

// Document is one already-parsed endpoint description.
type Document struct {
	APIPath string `json:"api_path" yaml:"api_path"`
	Method  string `json:"method" yaml:"method"`
	Summary string `json:"summary" yaml:"summary"`
	Detail  string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// DocumentSource yields parsed endpoint documents ready for import.
type DocumentSource interface {
	Documents(ctx context.Context) ([]Document, error)
}

// StaticSource is a DocumentSource over a fixed slice.
type StaticSource []Document

func (s StaticSource) Documents(_ context.Context) ([]Document, error) {
	return []Document(s), nil
}

// Importer writes documentation into a knowledge store. With a batch
// embedder configured it embeds all contents up front in parallel batches,
// so the store never has to embed one entry at a time.
type Importer struct {
	store       knowledge.Store
	embedder    embeddings.Provider
	concurrency int
}

type Option func(*Importer)

// WithBatchEmbedder pre-computes embeddings in parallel batches of the
// given concurrency before handing entries to the store.
func WithBatchEmbedder(provider embeddings.Provider, concurrency int) Option {
	return func(im *Importer) {
		im.embedder = provider
		im.concurrency = concurrency
	}
}

func NewImporter(store knowledge.Store, opts ...Option) *Importer {
	im := &Importer{store: store, concurrency: 4}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ImportDocuments stores every document from source as an endpoint_doc
// entry and returns the new entry ids in input order.
func (im *Importer) ImportDocuments(ctx context.Context, source DocumentSource) ([]string, error) {
	docs, err := source.Documents(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read documents")
	}

	entries := make([]knowledge.Entry, 0, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.APIPath) == "" {
			return nil, errors.New("document is missing api_path")
		}
		entries = append(entries, knowledge.Entry{
			SourceAPIPath: doc.APIPath,
			Kind:          knowledge.KindEndpointDoc,
			Content:       doc.render(),
			Metadata:      map[string]interface{}{"method": doc.Method},
		})
	}
	return im.put(ctx, entries)
}

func (d Document) render() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(d.Method))
	b.WriteString(" ")
	b.WriteString(d.APIPath)
	if d.Summary != "" {
		b.WriteString(": ")
		b.WriteString(d.Summary)
	}
	if d.Detail != "" {
		b.WriteString("\n\n")
		b.WriteString(d.Detail)
	}
	return b.String()
}

func (im *Importer) put(ctx context.Context, entries []knowledge.Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	if im.embedder != nil {
		texts := make([]string, len(entries))
		for i, e := range entries {
			texts[i] = e.Content
		}
		vectors, err := embeddings.GenerateBatchParallel(ctx, im.embedder, texts, im.concurrency)
		if err != nil {
			return nil, errors.Wrap(err, "failed to embed documents")
		}
		for i := range entries {
			entries[i].Embedding = vectors[i]
		}
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		id, err := im.store.Put(ctx, entry)
		if err != nil {
			return ids, errors.Wrapf(err, "failed to store entry for %s", entry.SourceAPIPath)
		}
		ids = append(ids, id)
	}
	log.Debug().Int("entries", len(ids)).Msg("imported documentation")
	return ids, nil
}

func sectionContent(heading string, body string) string {
	if heading == "" {
		return body
	}
	if body == "" {
		return heading
	}
	return fmt.Sprintf("%s\n\n%s", heading, body)
}
