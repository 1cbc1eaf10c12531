package core

import "context"

// LLMClient abstracts a single provider/model backend.
// Implementations adapt various LLM providers to this common interface.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// LLMRequest is the request structure for LLM completion.
type LLMRequest struct {
	Model       string       // model identifier (e.g., "gpt-4", "claude-3-haiku-20240307")
	System      string       // system prompt
	Messages    []LLMMessage // conversation messages
	Temperature *float64     // optional: sampling temperature
	MaxTokens   *int         // optional: maximum output tokens
}

// LLMMessage is a chat message.
type LLMMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// LLMResponse captures the output from an LLM call.
type LLMResponse struct {
	Text     string        // raw text output
	Usage    LLMTokenUsage // token consumption
	Provider string        // provider ID that handled the request
	Model    string        // model that generated the response
}

// LLMTokenUsage tracks token consumption for LLM calls.
type LLMTokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
