package provider

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding. When the
// encoding cannot be initialized it falls back to a bytes/4 approximation.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken unavailable, approximating token counts")
			return
		}
		encoding = enc
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

func estimateRequestTokens(req *Request) int {
	total := EstimateTokens(req.SystemMessage) + EstimateTokens(req.InstanceMessage)
	for _, msg := range req.Transcript {
		total += EstimateTokens(msg.Content)
		for _, call := range msg.ToolCalls {
			total += EstimateTokens(call.Name) + EstimateTokens(string(call.Arguments))
		}
	}
	return total
}
