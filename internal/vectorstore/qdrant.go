package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore is a Qdrant-backed Store. Qdrant only accepts UUID or
// positive-integer point IDs, so EmbeddingID is mapped through a
// deterministic UUIDv5 and the original ID round-trips via the payload,
// exactly as internal/persistence/databases/qdrant_vector.go does.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

const payloadIDField = "_original_id"

func NewQdrantStore(dsn, collection string, dimension int) (*QdrantStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vectorstore: qdrant requires dimension > 0")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create qdrant client: %w", err)
	}
	qs := &QdrantStore{client: client, collection: collection, dimension: dimension}
	if err := qs.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return qs, nil
}

func (q *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("vectorstore: check collection: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointUUID(embeddingID string) string {
	if _, err := uuid.Parse(embeddingID); err == nil {
		return embeddingID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(embeddingID)).String()
}

func (q *QdrantStore) StoreEmbedding(ctx context.Context, tenantID, embeddingID string, vector []float32, metadata map[string]string) error {
	uuidStr := pointUUID(embeddingID)
	payload := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = v
	}
	payload[tenantFilterKey] = tenantID
	if uuidStr != embeddingID {
		payload[payloadIDField] = embeddingID
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	return err
}

func (q *QdrantStore) DeleteEmbedding(ctx context.Context, tenantID, embeddingID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointUUID(embeddingID))),
	})
	return err
}

func (q *QdrantStore) FindSimilar(ctx context.Context, tenantID string, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	must := []*qdrant.Condition{qdrant.NewMatch(tenantFilterKey, tenantID)}
	for fk, fv := range filter {
		must = append(must, qdrant.NewMatch(fk, fv))
	}
	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         &qdrant.Filter{Must: must},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		id := hit.Id.GetUuid()
		metadata := make(map[string]string)
		for pk, pv := range hit.Payload {
			switch pk {
			case payloadIDField:
				id = pv.GetStringValue()
			case tenantFilterKey:
				// internal scoping field, never surfaced to callers
			default:
				metadata[pk] = pv.GetStringValue()
			}
		}
		out = append(out, Result{EmbeddingID: id, Score: float64(hit.Score), Metadata: metadata, Vector: extractDenseVector(hit.Vectors)})
	}
	return out, nil
}

// extractDenseVector pulls the flat []float32 out of a query hit's
// returned vector output, tolerating the named/multi-vector shapes the
// client can hand back. Returns nil rather than erroring when the shape
// is unexpected; redundancy scoring treats a missing vector as zero
// similarity, which only makes MMR slightly less diverse, not incorrect.
func extractDenseVector(v *qdrant.VectorsOutput) []float32 {
	if v == nil {
		return nil
	}
	if dense := v.GetVector(); dense != nil {
		if d := dense.GetDense(); d != nil {
			return d.GetData()
		}
	}
	return nil
}

func (q *QdrantStore) Statistics(ctx context.Context, tenantID string) (Stats, error) {
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(tenantFilterKey, tenantID)}},
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{VectorCount: int64(count), Dimension: q.dimension}, nil
}

func (q *QdrantStore) IsHealthy(ctx context.Context) error {
	_, err := q.client.CollectionExists(ctx, q.collection)
	return err
}
