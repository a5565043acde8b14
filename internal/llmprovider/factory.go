package llmprovider

import (
	"fmt"
	"net/http"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/llmprovider/anthropic"
	"github.com/manifold-run/gatewaycore/internal/llmprovider/gemini"
	"github.com/manifold-run/gatewaycore/internal/llmprovider/openai"
)

// Build selects an LLMProvider implementation by cfg.Provider, mirroring
// internal/llm/providers.Build's backend-switch-by-string-field shape.
func Build(cfg gatewayconfig.LLMConfig, httpClient *http.Client) (Provider, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch cfg.Provider {
	case "", "openai":
		return openai.New(cfg, httpClient), nil
	case "anthropic":
		return anthropic.New(cfg, httpClient), nil
	case "gemini":
		return gemini.New(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("llmprovider: unknown provider %q", cfg.Provider)
	}
}
