package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apiprobe/apiprobe/pkg/embeddings"
)

// StoreOption configures a store implementation.
type StoreOption func(*storeOptions)

type storeOptions struct {
	clock func() time.Time
}

// WithClock overrides the time source, used by tests to pin CreatedAt.
func WithClock(clock func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.clock = clock
	}
}

func applyStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryStore is the ephemeral Store implementation. It backs tests and
// runs that do not need knowledge to survive the process.
//
// Embeddings are computed before any lock is taken, so no lock is ever held
// across a blocking provider call.
type MemoryStore struct {
	embedder embeddings.Provider
	clock    func() time.Time

	mu    sync.RWMutex
	index *flatIndex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store using embedder for both
// entry content and queries.
func NewMemoryStore(embedder embeddings.Provider, opts ...StoreOption) *MemoryStore {
	o := applyStoreOptions(opts)
	return &MemoryStore{
		embedder: embedder,
		clock:    o.clock,
		index:    newFlatIndex(),
	}
}

func (s *MemoryStore) Put(ctx context.Context, entry Entry) (string, error) {
	prepared, err := s.prepare(ctx, entry)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index.add(*prepared); err != nil {
		return "", &StoreError{Op: "put", Err: err}
	}
	return prepared.ID, nil
}

func (s *MemoryStore) Search(ctx context.Context, query string, k int, filter *Filter) ([]ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	empty := s.index.len() == 0
	s.mu.RUnlock()
	if empty {
		return nil, ErrEmptyIndex
	}

	queryVec, err := s.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, &StoreError{Op: "search", Err: err}
	}
	queryVec = embeddings.Normalize(queryVec)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.search(queryVec, k, filter), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.index.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) List(_ context.Context, filter *Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.list(filter), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.index.remove(id) {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.len(), nil
}

// prepare fills defaults and computes the embedding, all outside the lock.
func (s *MemoryStore) prepare(ctx context.Context, entry Entry) (*Entry, error) {
	if err := entry.Validate(); err != nil {
		return nil, &StoreError{Op: "put", Err: err}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	}
	if len(entry.Embedding) == 0 {
		vec, err := s.embedder.GenerateEmbedding(ctx, entry.Content)
		if err != nil {
			return nil, &StoreError{Op: "put", Err: err}
		}
		entry.Embedding = vec
	}
	entry.Embedding = embeddings.Normalize(entry.Embedding)
	return &entry, nil
}
