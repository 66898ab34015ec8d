package toolkit

import (
	"context"

	"github.com/pkg/errors"

	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/tools"
)

const defaultSearchK = 5

// SearchKnowledgeArgs is the search_knowledge input.
type SearchKnowledgeArgs struct {
	Query         string `json:"query"`
	K             int    `json:"k,omitempty"`
	SourceAPIPath string `json:"source_api_path,omitempty"`
	Kind          string `json:"kind,omitempty"`
}

// SearchHit is one retrieved entry.
type SearchHit struct {
	ID            string  `json:"id"`
	SourceAPIPath string  `json:"source_api_path"`
	Kind          string  `json:"kind"`
	Content       string  `json:"content"`
	Score         float32 `json:"score"`
}

// SearchKnowledgeResult lists hits best-first.
type SearchKnowledgeResult struct {
	Entries []SearchHit `json:"entries"`
}

// NewSearchKnowledge builds the read-only search_knowledge tool.
func NewSearchKnowledge(store knowledge.Store) (*tools.Definition, error) {
	return tools.NewNamedFromFunc(
		SearchKnowledgeToolName,
		"Search long-term memory for relevant documentation and previously verified facts.",
		func(ctx context.Context, args SearchKnowledgeArgs) (*SearchKnowledgeResult, error) {
			k := args.K
			if k <= 0 {
				k = defaultSearchK
			}
			var filter *knowledge.Filter
			if args.SourceAPIPath != "" || args.Kind != "" {
				filter = &knowledge.Filter{
					SourceAPIPath: args.SourceAPIPath,
					Kind:          knowledge.Kind(args.Kind),
				}
			}

			scored, err := store.Search(ctx, args.Query, k, filter)
			if err != nil {
				// An empty store is a valid state, not a failure.
				if errors.Is(err, knowledge.ErrEmptyIndex) {
					return &SearchKnowledgeResult{Entries: []SearchHit{}}, nil
				}
				return nil, errors.Wrap(err, "knowledge search failed")
			}

			result := &SearchKnowledgeResult{Entries: make([]SearchHit, 0, len(scored))}
			for _, s := range scored {
				result.Entries = append(result.Entries, SearchHit{
					ID:            s.Entry.ID,
					SourceAPIPath: s.Entry.SourceAPIPath,
					Kind:          string(s.Entry.Kind),
					Content:       s.Entry.Content,
					Score:         s.Score,
				})
			}
			return result, nil
		},
	)
}
