package provider

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

const DefaultModel = "gpt-4o"

// OpenAIProvider adapts any OpenAI-compatible chat completions backend.
type OpenAIProvider struct {
	client      *go_openai.Client
	model       string
	temperature float32
	maxTokens   int
}

var _ CompletionProvider = (*OpenAIProvider)(nil)

type OpenAIOption func(*OpenAIProvider)

func WithModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.model = model
	}
}

func WithTemperature(t float32) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.temperature = t
	}
}

func WithMaxTokens(n int) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.maxTokens = n
	}
}

// NewOpenAIProvider builds a provider against the given API key and base
// URL. An empty baseURL targets api.openai.com.
func NewOpenAIProvider(apiKey string, baseURL string, opts ...OpenAIOption) *OpenAIProvider {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	p := &OpenAIProvider{
		client: go_openai.NewClientWithConfig(config),
		model:  DefaultModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	chatReq := makeChatRequest(req, p.model, p.temperature, p.maxTokens)

	log.Debug().
		Str("model", p.model).
		Int("messages", len(chatReq.Messages)).
		Int("tools", len(chatReq.Tools)).
		Msg("sending completion request")

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, errors.Wrap(err, "completion request failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("completion response has no choices")
	}

	choice := resp.Choices[0]
	out := &Response{Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: []byte(call.Function.Arguments),
		})
	}

	out.Usage = Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if resp.Usage.TotalTokens == 0 {
		out.Usage = Usage{
			InputTokens:  estimateRequestTokens(req),
			OutputTokens: EstimateTokens(choice.Message.Content),
			Estimated:    true,
		}
	}

	log.Debug().
		Str("finish_reason", string(choice.FinishReason)).
		Int("tool_calls", len(out.ToolCalls)).
		Int("input_tokens", out.Usage.InputTokens).
		Int("output_tokens", out.Usage.OutputTokens).
		Bool("estimated", out.Usage.Estimated).
		Msg("completion response received")

	return out, nil
}

// makeChatRequest lays out the prompts, the transcript, and the tool
// definitions in the order the chat completions API expects: assistant
// tool_calls messages first, each followed by its tool results.
func makeChatRequest(req *Request, model string, temperature float32, maxTokens int) go_openai.ChatCompletionRequest {
	var msgs []go_openai.ChatCompletionMessage

	if req.SystemMessage != "" {
		msgs = append(msgs, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: req.SystemMessage,
		})
	}
	if req.InstanceMessage != "" {
		msgs = append(msgs, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleUser,
			Content: req.InstanceMessage,
		})
	}

	for _, msg := range req.Transcript {
		switch {
		case len(msg.ToolCalls) > 0:
			var calls []go_openai.ToolCall
			for _, call := range msg.ToolCalls {
				calls = append(calls, go_openai.ToolCall{
					ID:   call.ID,
					Type: go_openai.ToolTypeFunction,
					Function: go_openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			msgs = append(msgs, go_openai.ChatCompletionMessage{
				Role:      go_openai.ChatMessageRoleAssistant,
				Content:   msg.Content,
				ToolCalls: calls,
			})
		case msg.Role == RoleTool:
			msgs = append(msgs, go_openai.ChatCompletionMessage{
				Role:       go_openai.ChatMessageRoleTool,
				Content:    msg.Content,
				Name:       msg.Name,
				ToolCallID: msg.ToolCallID,
			})
		default:
			msgs = append(msgs, go_openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	var openaiTools []go_openai.Tool
	for _, def := range req.Tools {
		openaiTools = append(openaiTools, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	return go_openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Tools:       openaiTools,
	}
}
