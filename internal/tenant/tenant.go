// Package tenant implements Tenant/ApiKey (§3) and Auth & Tenant Context
// (§4.1): bearer-hash lookup, async last_used_at update, UNAUTHENTICATED
// vs PERMISSION_DENIED semantics. Grounded on internal/auth/middleware.go's
// Middleware/RequireRoles chain shape, adapted from session cookies to
// bearer API keys.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
)

// Plan enumerates Tenant.plan.
type Plan string

const (
	PlanFree         Plan = "FREE"
	PlanSubscription Plan = "SUBSCRIPTION"
	PlanTokenBilled  Plan = "TOKEN_BILLED"
)

// Tenant is a Tenant row (§3).
type Tenant struct {
	TenantID  string
	Name      string
	Plan      Plan
	Active    bool
	CreatedAt time.Time
}

// APIKey is an ApiKey row (§3). Plaintext is never stored; KeyHash is the
// one-way hash of the presented credential.
type APIKey struct {
	ID         string
	KeyHash    string
	TenantID   string
	Name       string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// HashKey computes the one-way hash used to look up an APIKey by the
// presented bearer credential.
func HashKey(presented string) string {
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:])
}

// Store resolves API keys and tenants, and records best-effort last-use.
type Store interface {
	Init(ctx context.Context) error
	GetKeyByHash(ctx context.Context, hash string) (APIKey, bool, error)
	GetTenant(ctx context.Context, tenantID string) (Tenant, bool, error)
	// TouchLastUsed is called asynchronously and MAY be lossy (§4.1:
	// "updates last_used_at asynchronously (best-effort; loss is tolerable)").
	TouchLastUsed(ctx context.Context, apiKeyID string, at time.Time) error
}

// ctxKey is the context key type for the authenticated scope.
type ctxKey struct{}

// Scope is the (tenant_id, api_key_id) attached to an authenticated
// request's context.
type Scope struct {
	TenantID string
	APIKeyID string
}

func withScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the Scope attached by Middleware, if any.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok
}

// Authenticator performs §4.1's bearer-credential resolution independent of
// any particular HTTP framework, so it can be reused by both the HTTP
// middleware chain and job-trigger endpoints.
type Authenticator struct {
	store Store
}

func NewAuthenticator(store Store) *Authenticator { return &Authenticator{store: store} }

// Authenticate resolves the presented bearer credential into a Scope.
// Missing/empty bearer → UNAUTHENTICATED. Inactive key or tenant →
// PERMISSION_DENIED. On success, schedules a best-effort async
// last_used_at update.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (Scope, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Scope{}, gatewayerr.New(gatewayerr.Unauthenticated, "missing bearer credential")
	}
	hash := HashKey(bearer)
	key, ok, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		return Scope{}, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "api key lookup failed", err)
	}
	if !ok {
		return Scope{}, gatewayerr.New(gatewayerr.Unauthenticated, "unknown api key")
	}
	if !key.Active {
		return Scope{}, gatewayerr.New(gatewayerr.PermissionDenied, "api key inactive")
	}
	t, ok, err := a.store.GetTenant(ctx, key.TenantID)
	if err != nil {
		return Scope{}, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "tenant lookup failed", err)
	}
	if !ok || !t.Active {
		return Scope{}, gatewayerr.New(gatewayerr.PermissionDenied, "tenant inactive")
	}

	go func(apiKeyID string) {
		bgctx := context.Background()
		if err := a.store.TouchLastUsed(bgctx, apiKeyID, time.Now().UTC()); err != nil {
			gatewaylog.WithRequest(bgctx).Warn().Err(err).Str("api_key_id", apiKeyID).Msg("touch_last_used_failed")
		}
	}(key.ID)

	return Scope{TenantID: key.TenantID, APIKeyID: key.ID}, nil
}

// Middleware extracts the Authorization bearer and attaches a Scope to the
// request context. unauthenticatedPaths bypass auth entirely (e.g. /health,
// /v1/models per §6). On auth failure, writes the error envelope itself so
// handlers never run with a partial scope.
func Middleware(a *Authenticator, skip func(*http.Request) bool, writeErr func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip != nil && skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			bearer := bearerFromHeader(r.Header.Get("Authorization"))
			scope, err := a.Authenticate(r.Context(), bearer)
			if err != nil {
				writeErr(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withScope(r.Context(), scope)))
		})
	}
}

func bearerFromHeader(h string) string {
	const prefix = "Bearer "
	if len(h) >= len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
