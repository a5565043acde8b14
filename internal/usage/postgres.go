package usage

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
CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT,
	session_id TEXT,
	request_id TEXT NOT NULL,
	model TEXT NOT NULL,
	knowledge_tokens_used INT NOT NULL DEFAULT 0,
	llm_input_tokens INT NOT NULL DEFAULT 0,
	llm_output_tokens INT NOT NULL DEFAULT 0,
	cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
	timestamp TIMESTAMPTZ NOT NULL,
	UNIQUE(tenant_id, request_id)
);`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, l Log) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO usage_logs (id, tenant_id, user_id, session_id, request_id, model, knowledge_tokens_used, llm_input_tokens, llm_output_tokens, cost_estimate, timestamp)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (tenant_id, request_id) DO NOTHING`,
		l.ID, l.TenantID, l.UserID, l.SessionID, l.RequestID, l.Model, l.KnowledgeTokensUsed,
		l.LLMInputTokens, l.LLMOutputTokens, l.CostEstimate, l.Timestamp)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Sum(ctx context.Context, tenantID string, since time.Time) (int, int, error) {
	row := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(llm_input_tokens),0), COALESCE(SUM(llm_output_tokens),0)
FROM usage_logs WHERE tenant_id=$1 AND timestamp >= $2`, tenantID, since)
	var in, out int
	if err := row.Scan(&in, &out); err != nil && err != pgx.ErrNoRows {
		return 0, 0, err
	}
	return in, out, nil
}
