// Package gatewayhttp implements the HTTP surface (§6): an OpenAI-compatible
// subset of chat/embeddings/models endpoints plus knowledge CRUD/search and
// job triggers, all behind one stdlib http.ServeMux. Grounded on
// internal/agentd/router.go's flat mux-registration shape and
// internal/agentd/handlers_chat.go's handler-closure-over-app-state
// convention, generalized from the teacher's single-tenant agent surface
// to a multi-tenant, bearer-authenticated gateway.
package gatewayhttp

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/manifold-run/gatewaycore/internal/chatorch"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
	"github.com/manifold-run/gatewaycore/internal/memorypipe"
	"github.com/manifold-run/gatewaycore/internal/ratelimit"
	"github.com/manifold-run/gatewaycore/internal/relate"
	"github.com/manifold-run/gatewaycore/internal/summarize"
	"github.com/manifold-run/gatewaycore/internal/tenant"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

// Dependencies are every collaborator the HTTP layer routes requests to.
type Dependencies struct {
	Auth         *tenant.Authenticator
	RateLimiter  *ratelimit.Limiter
	Orchestrator *chatorch.Orchestrator
	Memory       *memorypipe.Pipeline
	Knowledge    knowledge.Store
	Vectors      vectorstore.Store
	Embeddings   embedprovider.Provider
	LLM          llmprovider.Provider
	Relate       *relate.Discoverer
	Summarize    *summarize.Summarizer
	HealthChecks []HealthCheck
}

// HealthCheck is one named component readiness probe for /health (§12).
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires Dependencies to http.Handler.
type Server struct {
	deps Dependencies
}

func New(deps Dependencies) *Server { return &Server{deps: deps} }

// Router builds the full route table (§6's HTTP surface table).
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleListModels)

	mux.HandleFunc("GET /v1/knowledge/search", s.handleKnowledgeSearch)
	mux.HandleFunc("POST /v1/knowledge/objects", s.handleKnowledgeObjectsCreate)
	mux.HandleFunc("GET /v1/knowledge/objects", s.handleKnowledgeObjectsList)
	mux.HandleFunc("GET /v1/knowledge/objects/{id}", s.handleKnowledgeObjectGet)
	mux.HandleFunc("PUT /v1/knowledge/objects/{id}", s.handleKnowledgeObjectUpdate)
	mux.HandleFunc("DELETE /v1/knowledge/objects/{id}", s.handleKnowledgeObjectDelete)

	mux.HandleFunc("POST /jobs/relationship-discovery", s.handleRelationshipDiscoveryJob)
	mux.HandleFunc("POST /jobs/session-summarize", s.handleSessionSummarizeJob)

	mux.HandleFunc("GET /health", s.handleHealth)

	authed := tenant.Middleware(s.deps.Auth, skipAuth, writeErr)(mux)
	return otelhttp.NewHandler(withRequestLog(authed), "gatewaycore")
}

func skipAuth(r *http.Request) bool {
	return r.URL.Path == "/health" || (r.URL.Path == "/v1/models" && r.Method == http.MethodGet)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		gatewaylog.WithRequest(r.Context()).Debug().
			Str("method", r.Method).Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).Msg("http_request")
	})
}
