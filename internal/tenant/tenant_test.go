package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
)

func TestAuthenticateMissingBearerIsUnauthenticated(t *testing.T) {
	store := NewMemoryStore()
	auth := NewAuthenticator(store)

	_, err := auth.Authenticate(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, gatewayerr.Unauthenticated, gatewayerr.KindOf(err))
}

func TestAuthenticateInactiveKeyIsPermissionDenied(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(
		Tenant{TenantID: "t1", Active: true, Plan: PlanFree},
		APIKey{ID: "k1", KeyHash: HashKey("secret"), TenantID: "t1", Active: false},
	)
	auth := NewAuthenticator(store)

	_, err := auth.Authenticate(context.Background(), "secret")
	require.Error(t, err)
	require.Equal(t, gatewayerr.PermissionDenied, gatewayerr.KindOf(err))
}

func TestAuthenticateInactiveTenantIsPermissionDenied(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(
		Tenant{TenantID: "t1", Active: false, Plan: PlanFree},
		APIKey{ID: "k1", KeyHash: HashKey("secret"), TenantID: "t1", Active: true},
	)
	auth := NewAuthenticator(store)

	_, err := auth.Authenticate(context.Background(), "secret")
	require.Error(t, err)
	require.Equal(t, gatewayerr.PermissionDenied, gatewayerr.KindOf(err))
}

func TestAuthenticateSuccessAttachesScopeAndTouchesLastUsed(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(
		Tenant{TenantID: "t1", Active: true, Plan: PlanFree},
		APIKey{ID: "k1", KeyHash: HashKey("secret"), TenantID: "t1", Active: true},
	)
	auth := NewAuthenticator(store)

	scope, err := auth.Authenticate(context.Background(), "secret")
	require.NoError(t, err)
	require.Equal(t, "t1", scope.TenantID)
	require.Equal(t, "k1", scope.APIKeyID)

	require.Eventually(t, func() bool {
		k, _, _ := store.GetKeyByHash(context.Background(), HashKey("secret"))
		return !k.LastUsedAt.IsZero()
	}, time.Second, 10*time.Millisecond, "last_used_at should be updated asynchronously")
}
