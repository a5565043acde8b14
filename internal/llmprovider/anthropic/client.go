// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// llmprovider contract, grounded on internal/llm/anthropic/client.go's
// constructor and message-conversion shape (simplified: no prompt-cache or
// tool-schema plumbing, which this gateway's chat surface does not need).
package anthropic

import (
	"context"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
)

const defaultMaxTokens int64 = 1024

type Client struct {
	sdk   anthropic.Client
	model string
}

func New(cfg gatewayconfig.LLMConfig, httpClient *http.Client) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

func adaptMessages(msgs []llmprovider.Message) (string, []anthropic.MessageParam) {
	var sys string
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if sys != "" {
				sys += "\n"
			}
			sys += m.Content
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return sys, out
}

func (c *Client) pickModel(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

func (c *Client) ChatCompletion(ctx context.Context, req llmprovider.Request) (llmprovider.Response, error) {
	sys, msgs := adaptMessages(req.Messages)
	maxTokens := defaultMaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pickModel(req.Model)),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llmprovider.Response{}, err
	}
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return llmprovider.Response{
		Content: content.String(),
		Usage: llmprovider.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// ChatCompletionStream consumes the SDK's server-sent-event stream and
// forwards text deltas, same pattern as ChatCompletion's conversion.
func (c *Client) ChatCompletionStream(ctx context.Context, req llmprovider.Request, h llmprovider.StreamHandler) error {
	sys, msgs := adaptMessages(req.Messages)
	maxTokens := defaultMaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pickModel(req.Model)),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var usage llmprovider.Usage
	for stream.Next() {
		ev := stream.Current()
		if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta.Delta.Text != "" {
				if err := h.OnChunk(llmprovider.Chunk{Delta: delta.Delta.Text}); err != nil {
					return err
				}
			}
		}
		if msgDelta, ok := ev.AsAny().(anthropic.MessageDeltaEvent); ok {
			usage.CompletionTokens = int(msgDelta.Usage.OutputTokens)
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return h.OnChunk(llmprovider.Chunk{Done: true, Usage: usage})
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	// Anthropic has no models-list endpoint in the SDK used here; report the
	// configured model as the sole entry, matching a single-model adapter.
	return []string{c.model}, nil
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	_, err := c.ChatCompletion(ctx, llmprovider.Request{
		Model:     c.model,
		Messages:  []llmprovider.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err == nil
}
