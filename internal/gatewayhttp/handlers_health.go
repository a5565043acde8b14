package gatewayhttp

import (
	"context"
	"net/http"
	"time"
)

type healthComponent struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []healthComponent `json:"components"`
}

// handleHealth implements GET /health (§12): liveness plus per-component
// readiness detail (vector store, relational store, cache reachability),
// grounded on internal/persistence/databases.Manager's health-check-
// threading-through-factory.go pattern. Unauthenticated per skipAuth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	overall := "ok"
	components := make([]healthComponent, 0, len(s.deps.HealthChecks)+1)

	if s.deps.Vectors != nil {
		c := healthComponent{Name: "vector_store", Status: "ok"}
		if err := s.deps.Vectors.IsHealthy(ctx); err != nil {
			c.Status, c.Error, overall = "down", err.Error(), "degraded"
		}
		components = append(components, c)
	}

	for _, hc := range s.deps.HealthChecks {
		c := healthComponent{Name: hc.Name, Status: "ok"}
		if err := hc.Check(ctx); err != nil {
			c.Status, c.Error, overall = "down", err.Error(), "degraded"
		}
		components = append(components, c)
	}

	status := http.StatusOK
	if overall != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Status: overall, Components: components})
}
