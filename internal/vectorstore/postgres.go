package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a pgvector-backed Store, grounded on
// internal/persistence/databases/postgres_vector.go's <=> cosine-distance
// operator and its vecLit text-literal encoding.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
}

func NewPostgresStore(pool *pgxpool.Pool, dimension int) *PostgresStore {
	return &PostgresStore{pool: pool, dimension: dimension}
}

func (p *PostgresStore) Init(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return err
	}
	vecType := "vector"
	if p.dimension > 0 {
		vecType = fmt.Sprintf("vector(%d)", p.dimension)
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS embedding_vectors (
	embedding_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	vec %s NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS embedding_vectors_tenant_idx ON embedding_vectors(tenant_id);
`, vecType))
	return err
}

func (p *PostgresStore) StoreEmbedding(ctx context.Context, tenantID, embeddingID string, vector []float32, metadata map[string]string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO embedding_vectors(embedding_id, tenant_id, vec, metadata) VALUES($1, $2, $3::vector, $4)
ON CONFLICT (embedding_id) DO UPDATE SET vec=EXCLUDED.vec, metadata=EXCLUDED.metadata, tenant_id=EXCLUDED.tenant_id
`, embeddingID, tenantID, toVectorLiteral(vector), metadata)
	return err
}

func (p *PostgresStore) DeleteEmbedding(ctx context.Context, tenantID, embeddingID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM embedding_vectors WHERE embedding_id=$1 AND tenant_id=$2`, embeddingID, tenantID)
	return err
}

func (p *PostgresStore) FindSimilar(ctx context.Context, tenantID string, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vecLit := toVectorLiteral(vector)
	query := `SELECT embedding_id, 1 - (vec <=> $1::vector) AS score, metadata, vec::text
FROM embedding_vectors WHERE tenant_id=$2`
	args := []any{vecLit, tenantID}
	if len(filter) > 0 {
		query += fmt.Sprintf(" AND metadata @> $%d", len(args)+1)
		args = append(args, filter)
	}
	query += fmt.Sprintf(" ORDER BY vec <=> $1::vector LIMIT $%d", len(args)+1)
	args = append(args, k)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Result, 0, k)
	for rows.Next() {
		var r Result
		var md map[string]string
		var vecText string
		if err := rows.Scan(&r.EmbeddingID, &r.Score, &md, &vecText); err != nil {
			return nil, err
		}
		r.Metadata = md
		r.Vector = parseVectorLiteral(vecText)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Statistics(ctx context.Context, tenantID string) (Stats, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM embedding_vectors WHERE tenant_id=$1`, tenantID).Scan(&count)
	if err != nil {
		return Stats{}, err
	}
	return Stats{VectorCount: count, Dimension: p.dimension}, nil
}

func (p *PostgresStore) IsHealthy(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func parseVectorLiteral(s string) []float32 {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float64
		fmt.Sscanf(strings.TrimSpace(p), "%g", &f)
		out = append(out, float32(f))
	}
	return out
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}
