package toolkit

import (
	"context"

	"github.com/pkg/errors"

	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/tools"
)

// StoreMemoryArgs is the store_memory input. Kind defaults to
// verification_record and source_api_path to the run's API path.
type StoreMemoryArgs struct {
	Content       string   `json:"content"`
	SourceAPIPath string   `json:"source_api_path,omitempty"`
	Kind          string   `json:"kind,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Importance    int      `json:"importance,omitempty"`
}

// StoreMemoryResult carries the new entry id.
type StoreMemoryResult struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	SourceAPIPath string `json:"source_api_path"`
}

// NewStoreMemory builds the store_memory tool over the given store.
func NewStoreMemory(store knowledge.Store, defaultAPIPath string) (*tools.Definition, error) {
	return tools.NewNamedFromFunc(
		StoreMemoryToolName,
		"Store a fact in long-term memory for later retrieval. Use kind verification_record for observed behavior and error_record for observed failures.",
		func(ctx context.Context, args StoreMemoryArgs) (*StoreMemoryResult, error) {
			entry := knowledge.Entry{
				SourceAPIPath: args.SourceAPIPath,
				Kind:          knowledge.Kind(args.Kind),
				Content:       args.Content,
				Tags:          args.Tags,
				Importance:    args.Importance,
			}
			if entry.SourceAPIPath == "" {
				entry.SourceAPIPath = defaultAPIPath
			}
			if entry.Kind == "" {
				entry.Kind = knowledge.KindVerificationRecord
			}

			id, err := store.Put(ctx, entry)
			if err != nil {
				return nil, errors.Wrap(err, "failed to store memory")
			}
			return &StoreMemoryResult{
				ID:            id,
				Kind:          string(entry.Kind),
				SourceAPIPath: entry.SourceAPIPath,
			}, nil
		},
	)
}
