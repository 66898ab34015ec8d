// Package providertest holds a deterministic completion provider for tests:
// replies play back in order, and every request is recorded for assertions.
package providertest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/apiprobe/apiprobe/pkg/provider"
)

// Reply configures one provider exchange in a scripted sequence.
type Reply struct {
	Content   string
	ToolCalls []provider.ToolCall
	Err       error
}

// Scripted plays back a fixed sequence of replies.
type Scripted struct {
	mu       sync.Mutex
	index    int
	replies  []Reply
	requests []*provider.Request
}

var _ provider.CompletionProvider = (*Scripted)(nil)

func NewScripted(replies ...Reply) *Scripted {
	cloned := make([]Reply, len(replies))
	copy(cloned, replies)
	return &Scripted{replies: cloned}
}

func (s *Scripted) Complete(_ context.Context, req *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqCopy := *req
	s.requests = append(s.requests, &reqCopy)

	if s.index >= len(s.replies) {
		return nil, errors.Errorf("script exhausted at exchange %d", s.index+1)
	}
	current := s.replies[s.index]
	s.index++
	if current.Err != nil {
		return nil, current.Err
	}
	return &provider.Response{
		Content:   current.Content,
		ToolCalls: current.ToolCalls,
	}, nil
}

// Exchanges returns how many times Complete was called.
func (s *Scripted) Exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Request returns the i-th recorded request, or nil when out of range.
func (s *Scripted) Request(i int) *provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.requests) {
		return nil
	}
	return s.requests[i]
}

// Call builds a tool call with JSON arguments, for scripting replies.
func Call(id string, name string, jsonArgs string) provider.ToolCall {
	return provider.ToolCall{
		ID:        id,
		Name:      name,
		Arguments: json.RawMessage(jsonArgs),
	}
}
