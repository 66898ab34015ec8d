package knowledge

import (
	"context"
	"fmt"

	"github.com/mb0/glob"
	"github.com/pkg/errors"
)

var (
	// ErrEmptyIndex is returned by Search when the store holds zero
	// entries and k > 0. It marks a valid empty condition: callers treat
	// it as "no prior knowledge", not as a failure.
	ErrEmptyIndex = errors.New("knowledge store is empty")

	// ErrNotFound is returned by Get and Delete for an unknown id.
	ErrNotFound = errors.New("knowledge entry not found")

	// ErrDuplicateID is returned by Put when a caller-supplied id already
	// exists. Put never overwrites.
	ErrDuplicateID = errors.New("knowledge entry id already exists")
)

// StoreError wraps a failure inside a store operation (embedding failure,
// backend I/O). It is fatal for that call and never corrupts existing
// entries.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("knowledge store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Filter restricts Search and List results. Zero-valued fields do not
// restrict. SourceAPIPath accepts a glob pattern ("/users/*") as well as an
// exact path.
type Filter struct {
	SourceAPIPath string
	Kind          Kind
	Tags          []string
}

// Match reports whether e passes the filter.
func (f *Filter) Match(e *Entry) bool {
	if f == nil {
		return true
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.SourceAPIPath != "" && e.SourceAPIPath != f.SourceAPIPath {
		ok, err := glob.Match(f.SourceAPIPath, e.SourceAPIPath)
		if err != nil || !ok {
			return false
		}
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range e.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store persists knowledge entries and answers similarity searches over
// them. Implementations are safe for concurrent use; Put makes the entry
// searchable before it returns, and a Search racing a Put never observes a
// partially written entry.
type Store interface {
	// Put embeds entry.Content when no embedding is attached, assigns an
	// id when none is given, and appends the entry. The new id is
	// returned. Put never overwrites an existing id.
	Put(ctx context.Context, entry Entry) (string, error)

	// Search embeds query and returns the k most similar entries in
	// descending similarity order, ties broken by most recent CreatedAt.
	// k larger than the candidate count returns all candidates; k <= 0
	// returns an empty result. An entirely empty store returns
	// ErrEmptyIndex for k > 0.
	Search(ctx context.Context, query string, k int, filter *Filter) ([]ScoredEntry, error)

	// Get returns the entry with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns all entries passing the filter, most recent first.
	List(ctx context.Context, filter *Filter) ([]Entry, error)

	// Delete removes an entry. This is the explicit administrative path;
	// nothing deletes entries automatically.
	Delete(ctx context.Context, id string) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}
