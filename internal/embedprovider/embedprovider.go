// Package embedprovider defines and implements the EmbeddingProvider
// external collaborator contract from SPEC_FULL.md §6, grounded on
// internal/embedding/client.go's EmbedText (config-driven HTTP client with
// a generic auth header) — the actively-used of the teacher's two
// embedding clients; internal/embeddings (plural) is legacy/hardcoded-model
// code not carried forward (see DESIGN.md).
package embedprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
)

// Provider is the EmbeddingProvider external collaborator contract:
// embed(text) → vector[D]; dimension() → D; isHealthy().
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	IsHealthy(ctx context.Context) bool
}

type httpRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type httpResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// HTTPProvider calls a configured OpenAI-compatible embeddings endpoint.
type HTTPProvider struct {
	cfg        gatewayconfig.EmbeddingConfig
	httpClient *http.Client
}

// New builds an HTTPProvider from cfg.
func New(cfg gatewayconfig.EmbeddingConfig, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPProvider{cfg: cfg, httpClient: httpClient}
}

func (p *HTTPProvider) Dimension() int { return p.cfg.Dimension }

// Embed calls the embeddings endpoint for a single input and returns its
// vector. Re-used by VectorStore callers one text at a time so a failure
// on one item never discards embeddings already computed for others.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *HTTPProvider) embedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("embedprovider: no inputs")
	}
	body, _ := json.Marshal(httpRequest{Model: p.cfg.Model, Input: inputs})

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedprovider: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedprovider: status %s: %s", resp.Status, string(raw))
	}

	var er httpResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, fmt.Errorf("embedprovider: parse response (inputs=%d): %w", len(inputs), err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("embedprovider: unexpected count got=%d want=%d", len(er.Data), len(inputs))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// IsHealthy sends a small reachability probe.
func (p *HTTPProvider) IsHealthy(ctx context.Context) bool {
	_, err := p.Embed(ctx, "ping")
	return err == nil
}

// Fake is a deterministic in-process Provider for tests: hashes the input
// text into a unit vector so cosine similarity behaves predictably without
// a real embedding backend.
type Fake struct {
	Dim int
	Err error
}

func (f *Fake) Dimension() int { return f.Dim }

func (f *Fake) Embed(_ context.Context, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return deterministicVector(text, f.Dim), nil
}

func (f *Fake) IsHealthy(_ context.Context) bool { return f.Err == nil }

// deterministicVector derives a reproducible unit vector from text so
// identical strings always embed identically and near-duplicate strings
// land close together in cosine space (tests rely on both properties).
func deterministicVector(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 64
	}
	v := make([]float32, dim)
	h := uint32(2166136261)
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
		v[i%dim] += float32(h%1000) / 1000.0
	}
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := sqrt32(norm)
	for i := range v {
		v[i] /= n
	}
	return v
}

func sqrt32(x float32) float32 {
	// Newton's method; avoids importing math/float64 round-trips for this
	// tiny deterministic helper.
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}
