package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/huandu/go-clone"
)

// MemoryStore keeps run state in a map, for tests and throwaway runs.
// States are deep-copied on the way in and out so callers can keep mutating
// their RunState without racing the store.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*RunState
	clock func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source, for deterministic tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		runs:  make(map[string]*RunState),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Save(_ context.Context, state *RunState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	now := s.clock().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[state.RunID] = cloneState(state)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID string) (*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneState(state), nil
}

func (s *MemoryStore) List(_ context.Context, status Status) ([]*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RunState, 0, len(s.runs))
	for _, state := range s.runs {
		if status != "" && state.Status != status {
			continue
		}
		out = append(out, cloneState(state))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func cloneState(state *RunState) *RunState {
	return clone.Clone(state).(*RunState)
}
