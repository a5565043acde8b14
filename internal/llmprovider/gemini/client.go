// Package gemini adapts google.golang.org/genai to the llmprovider
// contract, grounded on internal/llm/google/client.go's constructor
// (genai.NewClient, HTTPOptions timeout/base-url override) and Chat method.
package gemini

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
)

type Client struct {
	client *genai.Client
	model  string
}

func New(cfg gatewayconfig.LLMConfig, httpClient *http.Client) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-1.5-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		// Construction failure surfaces on first call via IsHealthy/ChatCompletion
		// rather than panicking at wiring time (matches factory.Build's
		// error-returning constructors elsewhere in llmprovider).
		return &Client{model: model}
	}
	return &Client{client: client, model: model}
}

func (c *Client) pickModel(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

func toContents(msgs []llmprovider.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == "assistant" || m.Role == "model" {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

func (c *Client) ChatCompletion(ctx context.Context, req llmprovider.Request) (llmprovider.Response, error) {
	if c.client == nil {
		return llmprovider.Response{}, genaiNotInitialized()
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.pickModel(req.Model), toContents(req.Messages), nil)
	if err != nil {
		return llmprovider.Response{}, err
	}
	return llmprovider.Response{
		Content: resp.Text(),
		Usage: llmprovider.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		},
	}, nil
}

// ChatCompletionStream consumes genai's streaming iterator, forwarding text
// deltas as they arrive.
func (c *Client) ChatCompletionStream(ctx context.Context, req llmprovider.Request, h llmprovider.StreamHandler) error {
	if c.client == nil {
		return genaiNotInitialized()
	}
	var usage llmprovider.Usage
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.pickModel(req.Model), toContents(req.Messages), nil) {
		if err != nil {
			return err
		}
		if text := resp.Text(); text != "" {
			if err := h.OnChunk(llmprovider.Chunk{Delta: text}); err != nil {
				return err
			}
		}
		if resp.UsageMetadata != nil {
			usage = llmprovider.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}
	return h.OnChunk(llmprovider.Chunk{Done: true, Usage: usage})
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return []string{c.model}, nil
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.client != nil
}

type notInitializedErr struct{}

func (notInitializedErr) Error() string { return "gemini: client failed to initialize" }

func genaiNotInitialized() error { return notInitializedErr{} }
