package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store, grounded on
// internal/persistence/databases' parameterized-query style (no ORM).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{pool: pool} }

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS knowledge_objects (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	type TEXT NOT NULL,
	session_id TEXT,
	user_id TEXT,
	parent_id TEXT,
	tags TEXT[],
	metadata JSONB,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	original_tokens INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_knowledge_objects_tenant ON knowledge_objects(tenant_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_objects_session ON knowledge_objects(tenant_id, session_id);

CREATE TABLE IF NOT EXISTS content_variants (
	id TEXT PRIMARY KEY,
	knowledge_object_id TEXT NOT NULL REFERENCES knowledge_objects(id),
	variant TEXT NOT NULL,
	content TEXT,
	storage_uri TEXT,
	tokens INT NOT NULL DEFAULT 0,
	embedding_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(knowledge_object_id, variant)
);

CREATE TABLE IF NOT EXISTS embeddings (
	id TEXT PRIMARY KEY,
	variant_id TEXT NOT NULL UNIQUE REFERENCES content_variants(id),
	vector FLOAT4[] NOT NULL,
	text_snippet TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_relationships (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	type TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	evidence TEXT,
	detected_by TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(source_id, target_id, type)
);
`)
	return err
}

func (s *PostgresStore) CreateObject(ctx context.Context, o Object) (Object, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	meta, _ := json.Marshal(o.Metadata)
	_, err := s.pool.Exec(ctx, `
INSERT INTO knowledge_objects (id, tenant_id, type, session_id, user_id, parent_id, tags, metadata, archived, created_at, original_tokens)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING`,
		o.ID, o.TenantID, o.Type, nullable(o.SessionID), nullable(o.UserID), nullable(o.ParentID),
		o.Tags, meta, o.Archived, o.CreatedAt, o.OriginalTokens)
	if err != nil {
		return Object{}, fmt.Errorf("knowledge: create object: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) GetObject(ctx context.Context, tenantID, id string) (Object, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, type, COALESCE(session_id,''), COALESCE(user_id,''), COALESCE(parent_id,''),
       COALESCE(tags,'{}'), COALESCE(metadata,'{}'), archived, created_at, original_tokens
FROM knowledge_objects WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	var o Object
	var meta []byte
	if err := row.Scan(&o.ID, &o.TenantID, &o.Type, &o.SessionID, &o.UserID, &o.ParentID,
		&o.Tags, &meta, &o.Archived, &o.CreatedAt, &o.OriginalTokens); err != nil {
		if err == pgx.ErrNoRows {
			return Object{}, false, nil
		}
		return Object{}, false, err
	}
	_ = json.Unmarshal(meta, &o.Metadata)
	return o, true, nil
}

func (s *PostgresStore) UpdateObject(ctx context.Context, tenantID, id string, tags []string, metadata map[string]string) (Object, bool, error) {
	meta, _ := json.Marshal(metadata)
	cmd, err := s.pool.Exec(ctx, `
UPDATE knowledge_objects SET tags=$1, metadata=$2 WHERE tenant_id=$3 AND id=$4`,
		tags, meta, tenantID, id)
	if err != nil {
		return Object{}, false, fmt.Errorf("knowledge: update object: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return Object{}, false, nil
	}
	return s.GetObject(ctx, tenantID, id)
}

func (s *PostgresStore) ArchiveObject(ctx context.Context, tenantID, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE knowledge_objects SET archived=TRUE WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (s *PostgresStore) ListObjects(ctx context.Context, f Filters) ([]Object, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, tenant_id, type, COALESCE(session_id,''), COALESCE(user_id,''), COALESCE(parent_id,''),
       COALESCE(tags,'{}'), COALESCE(metadata,'{}'), archived, created_at, original_tokens
FROM knowledge_objects WHERE tenant_id=$1`)
	args := []any{f.TenantID}
	n := 2
	if !f.IncludeArchived {
		q.WriteString(` AND archived=FALSE`)
	}
	if len(f.Types) > 0 {
		q.WriteString(fmt.Sprintf(" AND type = ANY($%d)", n))
		args = append(args, f.Types)
		n++
	}
	if f.MaxAgeSeconds > 0 {
		q.WriteString(fmt.Sprintf(" AND created_at >= now() - ($%d || ' seconds')::interval", n))
		args = append(args, f.MaxAgeSeconds)
		n++
	}
	if len(f.Tags) > 0 {
		q.WriteString(fmt.Sprintf(" AND tags && $%d", n))
		args = append(args, f.Tags)
		n++
	}
	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Object
	for rows.Next() {
		var o Object
		var meta []byte
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Type, &o.SessionID, &o.UserID, &o.ParentID,
			&o.Tags, &meta, &o.Archived, &o.CreatedAt, &o.OriginalTokens); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &o.Metadata)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertVariant(ctx context.Context, v Variant) (Variant, error) {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO content_variants (id, knowledge_object_id, variant, content, storage_uri, tokens, embedding_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (knowledge_object_id, variant) DO UPDATE
  SET content=EXCLUDED.content, storage_uri=EXCLUDED.storage_uri, tokens=EXCLUDED.tokens, embedding_id=EXCLUDED.embedding_id`,
		v.ID, v.KnowledgeObjectID, v.Variant, nullable(v.Content), nullable(v.StorageURI), v.Tokens, nullable(v.EmbeddingID), v.CreatedAt)
	if err != nil {
		return Variant{}, fmt.Errorf("knowledge: upsert variant: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) GetVariant(ctx context.Context, tenantID, objectID string, variant VariantType) (Variant, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT cv.id, cv.knowledge_object_id, cv.variant, COALESCE(cv.content,''), COALESCE(cv.storage_uri,''), cv.tokens, COALESCE(cv.embedding_id,''), cv.created_at
FROM content_variants cv JOIN knowledge_objects ko ON ko.id=cv.knowledge_object_id
WHERE ko.tenant_id=$1 AND cv.knowledge_object_id=$2 AND cv.variant=$3`, tenantID, objectID, variant)
	var v Variant
	if err := row.Scan(&v.ID, &v.KnowledgeObjectID, &v.Variant, &v.Content, &v.StorageURI, &v.Tokens, &v.EmbeddingID, &v.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Variant{}, false, nil
		}
		return Variant{}, false, err
	}
	return v, true, nil
}

func (s *PostgresStore) UpsertEmbedding(ctx context.Context, e Embedding) (Embedding, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO embeddings (id, variant_id, vector, text_snippet, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (variant_id) DO UPDATE SET vector=EXCLUDED.vector, text_snippet=EXCLUDED.text_snippet, id=EXCLUDED.id`,
		e.ID, e.VariantID, e.Vector, e.TextSnippet, e.CreatedAt)
	if err != nil {
		return Embedding{}, fmt.Errorf("knowledge: upsert embedding: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE content_variants SET embedding_id=$1 WHERE id=$2`, e.ID, e.VariantID)
	return e, err
}

func (s *PostgresStore) UpsertRelationship(ctx context.Context, r Relationship) (Relationship, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO knowledge_relationships (id, source_id, target_id, type, confidence, evidence, detected_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (source_id, target_id, type) DO UPDATE
  SET confidence=EXCLUDED.confidence, evidence=EXCLUDED.evidence, detected_by=EXCLUDED.detected_by`,
		r.ID, r.SourceID, r.TargetID, r.Type, r.Confidence, r.Evidence, r.DetectedBy, r.CreatedAt)
	if err != nil {
		return Relationship{}, fmt.Errorf("knowledge: upsert relationship: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRelationships(ctx context.Context, tenantID, objectID string) ([]Relationship, error) {
	rows, err := s.pool.Query(ctx, `
SELECT kr.id, kr.source_id, kr.target_id, kr.type, kr.confidence, COALESCE(kr.evidence,''), COALESCE(kr.detected_by,''), kr.created_at
FROM knowledge_relationships kr
JOIN knowledge_objects ko ON ko.id = kr.source_id
WHERE ko.tenant_id=$1 AND (kr.source_id=$2 OR kr.target_id=$2)`, tenantID, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Confidence, &r.Evidence, &r.DetectedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindByRequestID(ctx context.Context, tenantID, requestID string) ([]Object, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant_id, type, COALESCE(session_id,''), COALESCE(user_id,''), COALESCE(parent_id,''),
       COALESCE(tags,'{}'), COALESCE(metadata,'{}'), archived, created_at, original_tokens
FROM knowledge_objects WHERE tenant_id=$1 AND metadata->>'request_id' = $2`, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Object
	for rows.Next() {
		var o Object
		var meta []byte
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Type, &o.SessionID, &o.UserID, &o.ParentID,
			&o.Tags, &meta, &o.Archived, &o.CreatedAt, &o.OriginalTokens); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &o.Metadata)
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
