package gatewayhttp

import (
	"net/http"

	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
	"github.com/manifold-run/gatewaycore/internal/ratelimit"
	"github.com/manifold-run/gatewaycore/internal/tenant"
)

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []embeddingDatum `json:"data"`
}

type embeddingDatum struct {
	Index     int       `json:"index"`
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
}

// handleEmbeddings implements POST /v1/embeddings (§6), sharing the chat
// rate-limit bucket per §4.2.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}

	res, err := s.deps.RateLimiter.Allow(r.Context(), scope.TenantID, scope.APIKeyID)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "rate limit check failed", err))
		return
	}
	if !res.Allowed {
		w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(res))
		writeErr(w, gatewayerr.New(gatewayerr.RateLimited, "rate limit exceeded"))
		return
	}

	var body embeddingsRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.InvalidRequest, "malformed JSON body", err))
		return
	}
	if len(body.Input) == 0 {
		writeErr(w, gatewayerr.New(gatewayerr.InvalidRequest, "input must be non-empty"))
		return
	}

	data := make([]embeddingDatum, len(body.Input))
	for i, text := range body.Input {
		vec, err := s.deps.Embeddings.Embed(r.Context(), text)
		if err != nil {
			writeErr(w, gatewayerr.Wrap(gatewayerr.ProviderUnavailable, "embedding failed", err))
			return
		}
		data[i] = embeddingDatum{Index: i, Object: "embedding", Embedding: vec}
	}

	writeJSON(w, http.StatusOK, embeddingsResponse{Object: "list", Model: body.Model, Data: data})
}
