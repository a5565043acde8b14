// Package openai adapts github.com/openai/openai-go/v2 to the llmprovider
// contract, grounded on internal/llm/openai/client.go's Chat/ChatStream
// methods (SDK streaming loop, self-hosted-endpoint base URL override).
package openai

import (
	"context"
	"errors"
	"net/http"

	oai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
)

// Client wraps an openai-go client and the configured default model.
type Client struct {
	client oai.Client
	model  string
}

// New constructs a Client. When cfg.BaseURL is set, the client targets a
// self-hosted OpenAI-compatible endpoint instead of api.openai.com, matching
// the teacher's isSelfHosted() handling.
func New(cfg gatewayconfig.LLMConfig, httpClient *http.Client) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{client: oai.NewClient(opts...), model: cfg.Model}
}

func toOAIMessages(msgs []llmprovider.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, oai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}

func (c *Client) params(req llmprovider.Request) oai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	p := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toOAIMessages(req.Messages),
	}
	if req.Temperature > 0 {
		p.Temperature = oai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		p.MaxTokens = oai.Int(int64(req.MaxTokens))
	}
	return p
}

// ChatCompletion performs a single blocking call, matching the
// non-streaming branch of ChatOrchestrator's Provider call step (§4.5).
func (c *Client) ChatCompletion(ctx context.Context, req llmprovider.Request) (llmprovider.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return llmprovider.Response{}, err
	}
	if len(resp.Choices) == 0 {
		return llmprovider.Response{}, errors.New("openai: empty choices")
	}
	return llmprovider.Response{
		Content: resp.Choices[0].Message.Content,
		Usage: llmprovider.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// ChatCompletionStream opens the SDK's streaming iterator and forwards each
// delta to h, the same stream.Next()/Current() loop shape as the teacher's
// ChatStream method.
func (c *Client) ChatCompletionStream(ctx context.Context, req llmprovider.Request, h llmprovider.StreamHandler) error {
	params := c.params(req)
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var usage llmprovider.Usage
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				if err := h.OnChunk(llmprovider.Chunk{Delta: delta}); err != nil {
					return err
				}
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = llmprovider.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return h.OnChunk(llmprovider.Chunk{Done: true, Usage: usage})
}

// ListModels returns the provider-reported model list for GET /v1/models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

// IsHealthy performs a cheap reachability check against the models list.
func (c *Client) IsHealthy(ctx context.Context) bool {
	_, err := c.client.Models.List(ctx)
	return err == nil
}
