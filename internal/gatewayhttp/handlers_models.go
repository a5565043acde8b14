package gatewayhttp

import (
	"net/http"

	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
)

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelDatum `json:"data"`
}

type modelDatum struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

// handleListModels implements GET /v1/models (§6); reachable without a
// bearer credential per skipAuth.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.LLM.ListModels(r.Context())
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.ProviderUnavailable, "model listing failed", err))
		return
	}
	data := make([]modelDatum, len(ids))
	for i, id := range ids {
		data[i] = modelDatum{ID: id, Object: "model"}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Object: "list", Data: data})
}
