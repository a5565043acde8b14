package gatewayhttp

import (
	"net/http"

	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
	"github.com/manifold-run/gatewaycore/internal/ratelimit"
	"github.com/manifold-run/gatewaycore/internal/relate"
	"github.com/manifold-run/gatewaycore/internal/tenant"
)

type relationshipJobRequest struct {
	ObjectID string `json:"object_id"`
}

type relationshipJobResponse struct {
	Results []relate.Result `json:"results"`
}

// handleRelationshipDiscoveryJob implements POST /jobs/relationship-
// discovery (§6): scans one object, or every non-archived object in the
// tenant when object_id is omitted. Job endpoints use the separate, higher
// AllowJob bucket (§4.2).
func (s *Server) handleRelationshipDiscoveryJob(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}
	res, err := s.deps.RateLimiter.AllowJob(r.Context(), scope.TenantID, scope.APIKeyID)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "rate limit check failed", err))
		return
	}
	if !res.Allowed {
		w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(res))
		writeErr(w, gatewayerr.New(gatewayerr.RateLimited, "rate limit exceeded"))
		return
	}

	var body relationshipJobRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.InvalidRequest, "malformed JSON body", err))
		return
	}

	if body.ObjectID != "" {
		result, err := s.deps.Relate.DiscoverObject(r.Context(), scope.TenantID, body.ObjectID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, relationshipJobResponse{Results: []relate.Result{result}})
		return
	}

	results, err := s.deps.Relate.DiscoverTenant(r.Context(), scope.TenantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relationshipJobResponse{Results: results})
}

type summarizeJobRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// handleSessionSummarizeJob implements POST /jobs/session-summarize (§6):
// runs synchronously so the caller gets the CompletionRecord back, unlike
// MemoryPipeline's own fire-and-forget summarize.Dispatcher path.
func (s *Server) handleSessionSummarizeJob(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}
	res, err := s.deps.RateLimiter.AllowJob(r.Context(), scope.TenantID, scope.APIKeyID)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "rate limit check failed", err))
		return
	}
	if !res.Allowed {
		w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(res))
		writeErr(w, gatewayerr.New(gatewayerr.RateLimited, "rate limit exceeded"))
		return
	}

	var body summarizeJobRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.InvalidRequest, "malformed JSON body", err))
		return
	}
	if body.SessionID == "" {
		writeErr(w, gatewayerr.New(gatewayerr.InvalidRequest, "session_id is required"))
		return
	}

	rec, err := s.deps.Summarize.Summarize(r.Context(), scope.TenantID, body.SessionID, body.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
