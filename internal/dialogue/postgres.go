package dialogue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{pool: pool} }

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS dialogue_states (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT,
	summary_short TEXT,
	summary_bullets TEXT,
	topics TEXT[],
	cumulative_tokens INT NOT NULL DEFAULT 0,
	turn_count INT NOT NULL DEFAULT 0,
	last_updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE(tenant_id, session_id)
);`)
	return err
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, tenantID, sessionID, userID string) (State, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, session_id, COALESCE(user_id,''), COALESCE(summary_short,''), COALESCE(summary_bullets,''),
       COALESCE(topics,'{}'), cumulative_tokens, turn_count, last_updated_at
FROM dialogue_states WHERE tenant_id=$1 AND session_id=$2`, tenantID, sessionID)
	var st State
	err := row.Scan(&st.ID, &st.TenantID, &st.SessionID, &st.UserID, &st.SummaryShort, &st.SummaryBullets,
		&st.Topics, &st.CumulativeTokens, &st.TurnCount, &st.LastUpdatedAt)
	if err == nil {
		return st, nil
	}
	if err != pgx.ErrNoRows {
		return State{}, err
	}
	st = State{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		SessionID:     sessionID,
		UserID:        userID,
		LastUpdatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO dialogue_states (id, tenant_id, session_id, user_id, topics, cumulative_tokens, turn_count, last_updated_at)
VALUES ($1,$2,$3,$4,'{}',0,0,$5)
ON CONFLICT (tenant_id, session_id) DO NOTHING`, st.ID, st.TenantID, st.SessionID, st.UserID, st.LastUpdatedAt)
	return st, err
}

func (s *PostgresStore) Save(ctx context.Context, st State) error {
	st.LastUpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
UPDATE dialogue_states SET summary_short=$3, summary_bullets=$4, topics=$5, cumulative_tokens=$6, turn_count=$7, last_updated_at=$8
WHERE tenant_id=$1 AND session_id=$2`,
		st.TenantID, st.SessionID, st.SummaryShort, st.SummaryBullets, st.Topics, st.CumulativeTokens, st.TurnCount, st.LastUpdatedAt)
	return err
}
