package tenant

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{pool: pool} }

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	plan TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL REFERENCES tenants(tenant_id),
	name TEXT,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ
);`)
	return err
}

func (s *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (APIKey, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, key_hash, tenant_id, COALESCE(name,''), active, created_at, COALESCE(last_used_at, created_at)
FROM api_keys WHERE key_hash=$1`, hash)
	var k APIKey
	if err := row.Scan(&k.ID, &k.KeyHash, &k.TenantID, &k.Name, &k.Active, &k.CreatedAt, &k.LastUsedAt); err != nil {
		if err == pgx.ErrNoRows {
			return APIKey{}, false, nil
		}
		return APIKey{}, false, err
	}
	return k, true, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (Tenant, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT tenant_id, name, plan, active, created_at FROM tenants WHERE tenant_id=$1`, tenantID)
	var t Tenant
	if err := row.Scan(&t.TenantID, &t.Name, &t.Plan, &t.Active, &t.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Tenant{}, false, nil
		}
		return Tenant{}, false, err
	}
	return t, true, nil
}

func (s *PostgresStore) TouchLastUsed(ctx context.Context, apiKeyID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at=$2 WHERE id=$1`, apiKeyID, at)
	return err
}
