package knowledge

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/apiprobe/apiprobe/pkg/embeddings"
)

// flatIndex is the in-process vector index behind both store
// implementations: a flat list of normalized vectors scanned in full per
// query. Store sizes here are hundreds of entries, not millions, so a scan
// beats maintaining an approximate structure. Similarity is the dot product
// of L2-normalized vectors, which equals their cosine similarity and orders
// results identically to the L2 distance the original index used.
//
// flatIndex does no locking; the owning store serializes access.
type flatIndex struct {
	entries []Entry
	byID    map[string]int
	dims    int
}

func newFlatIndex() *flatIndex {
	return &flatIndex{byID: make(map[string]int)}
}

// add appends an entry whose embedding is already normalized. The first
// entry fixes the index dimensionality.
func (ix *flatIndex) add(e Entry) error {
	if _, exists := ix.byID[e.ID]; exists {
		return ErrDuplicateID
	}
	if len(e.Embedding) == 0 {
		return errors.New("entry has no embedding")
	}
	if ix.dims == 0 {
		ix.dims = len(e.Embedding)
	} else if len(e.Embedding) != ix.dims {
		return errors.Errorf("embedding has %d dimensions, index expects %d", len(e.Embedding), ix.dims)
	}
	ix.byID[e.ID] = len(ix.entries)
	ix.entries = append(ix.entries, e)
	return nil
}

func (ix *flatIndex) remove(id string) bool {
	pos, ok := ix.byID[id]
	if !ok {
		return false
	}
	last := len(ix.entries) - 1
	if pos != last {
		ix.entries[pos] = ix.entries[last]
		ix.byID[ix.entries[pos].ID] = pos
	}
	ix.entries = ix.entries[:last]
	delete(ix.byID, id)
	return true
}

func (ix *flatIndex) get(id string) (*Entry, bool) {
	pos, ok := ix.byID[id]
	if !ok {
		return nil, false
	}
	e := ix.entries[pos]
	return &e, true
}

func (ix *flatIndex) len() int {
	return len(ix.entries)
}

// search scans all entries passing the filter and returns the top k by
// similarity, ties broken by most recent CreatedAt, then by id so equal
// entries order deterministically.
func (ix *flatIndex) search(queryVec []float32, k int, filter *Filter) []ScoredEntry {
	if k <= 0 {
		return nil
	}
	scored := make([]ScoredEntry, 0, len(ix.entries))
	for i := range ix.entries {
		e := &ix.entries[i]
		if !filter.Match(e) {
			continue
		}
		scored = append(scored, ScoredEntry{
			Entry: *e,
			Score: embeddings.Dot(queryVec, e.Embedding),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Entry.CreatedAt.Equal(scored[j].Entry.CreatedAt) {
			return scored[i].Entry.CreatedAt.After(scored[j].Entry.CreatedAt)
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored
}

// list returns entries passing the filter, most recent first.
func (ix *flatIndex) list(filter *Filter) []Entry {
	out := make([]Entry, 0, len(ix.entries))
	for i := range ix.entries {
		if filter.Match(&ix.entries[i]) {
			out = append(out, ix.entries[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
