package gatewayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err to the §7 error envelope and status code. Satisfies
// tenant.Middleware's writeErr signature too, so auth failures use the
// same envelope as handler-level failures.
func writeErr(w http.ResponseWriter, err error) {
	kind := gatewayerr.KindOf(err)
	writeJSON(w, gatewayerr.HTTPStatus(kind), gatewayerr.ToEnvelope(err))
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
