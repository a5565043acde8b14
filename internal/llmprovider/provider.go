// Package llmprovider defines the LLMProvider external-collaborator
// contract from SPEC_FULL.md §6/§11, grounded on internal/llm.Provider and
// internal/llm/providers.Build's backend-switching factory.
package llmprovider

import "context"

// Message is one chat turn in a completion request.
type Message struct {
	Role    string
	Content string
}

// Request is a provider-agnostic chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting for a completed (or streamed) call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a non-streaming completion result.
type Response struct {
	Content string
	Usage   Usage
}

// Chunk is one piece of a streaming completion.
type Chunk struct {
	Delta string
	Done  bool
	Usage Usage // populated only on the final chunk
}

// StreamHandler receives chunks as the provider produces them; OnChunk
// returning an error aborts the stream (mirrors internal/llm.StreamHandler).
type StreamHandler interface {
	OnChunk(Chunk) error
}

// Provider is the LLMProvider external collaborator contract from §6:
// chatCompletion, chatCompletionStream, listModels, isHealthy.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (Response, error)
	ChatCompletionStream(ctx context.Context, req Request, h StreamHandler) error
	ListModels(ctx context.Context) ([]string, error)
	IsHealthy(ctx context.Context) bool
}
