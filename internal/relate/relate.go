// Package relate implements RelationshipDiscovery (§4.7): for an object (or
// every non-archived object in a tenant), query its nearest neighbors and
// emit SUPPORTS/CONTRADICTS edges. Grounded on
// internal/rag/retrieve/fusion.go's neighbor-scoring shape, re-purposed
// from ranking retrieval candidates to classifying pairwise relationships,
// and on internal/orchestrator's singleflight-collapsed duplicate-run
// guard (generalized here from request dedup to per-object job dedup).
package relate

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

// ContradictionClassifier decides whether two pieces of content actually
// contradict each other, beyond mere topical similarity (§4.7: "whose
// content triggers the contradiction classifier").
type ContradictionClassifier interface {
	// Classify returns (fires, confidence). fires=false means no
	// CONTRADICTS edge is emitted for this pair regardless of cosine.
	Classify(ctx context.Context, a, b string) (fires bool, confidence float64, err error)
}

// Dependencies are RelationshipDiscovery's collaborators.
type Dependencies struct {
	Knowledge  knowledge.Store
	Vectors    vectorstore.Store
	Classifier ContradictionClassifier
}

// Discoverer runs §4.7's per-object neighbor scan. Concurrent runs against
// the same object collapse into one via singleflight.
type Discoverer struct {
	deps  Dependencies
	cfg   gatewayconfig.RelationshipsConfig
	group singleflight.Group
}

func New(deps Dependencies, cfg gatewayconfig.RelationshipsConfig) *Discoverer {
	return &Discoverer{deps: deps, cfg: cfg}
}

// Result summarizes one object's discovery run.
type Result struct {
	ObjectID            string `json:"object_id"`
	SupportsEmitted     int    `json:"supports_emitted"`
	ContradictsEmitted  int    `json:"contradicts_emitted"`
}

// DiscoverObject runs the scan for a single object, collapsing concurrent
// duplicate calls for the same (tenantID, objectID) pair.
func (d *Discoverer) DiscoverObject(ctx context.Context, tenantID, objectID string) (Result, error) {
	key := tenantID + "|" + objectID
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.discoverObject(ctx, tenantID, objectID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (d *Discoverer) discoverObject(ctx context.Context, tenantID, objectID string) (Result, error) {
	log := gatewaylog.WithRequest(ctx)

	_, ok, err := d.deps.Knowledge.GetObject(ctx, tenantID, objectID)
	if err != nil {
		return Result{}, fmt.Errorf("relate: get object: %w", err)
	}
	if !ok {
		return Result{}, fmt.Errorf("relate: object %s not found", objectID)
	}

	content, variant, ok := d.primaryContent(ctx, tenantID, objectID)
	if !ok {
		return Result{ObjectID: objectID}, nil
	}

	k := d.cfg.NeighborK
	if k <= 0 {
		k = 20
	}
	vec, ok, err := d.embeddingFor(ctx, tenantID, objectID, variant)
	if err != nil {
		return Result{}, fmt.Errorf("relate: load embedding: %w", err)
	}
	if !ok {
		return Result{ObjectID: objectID}, nil
	}

	neighbors, err := d.deps.Vectors.FindSimilar(ctx, tenantID, vec, k+1, map[string]string{
		vectorstore.MetaArchived: "false",
	})
	if err != nil {
		return Result{}, fmt.Errorf("relate: find neighbors: %w", err)
	}

	supportsThreshold := d.cfg.SupportsThreshold
	if supportsThreshold == 0 {
		supportsThreshold = 0.82
	}
	contradictsThreshold := d.cfg.ContradictsThreshold
	if contradictsThreshold == 0 {
		contradictsThreshold = 0.70
	}

	res := Result{ObjectID: objectID}
	for _, n := range neighbors {
		neighborID := n.Metadata[vectorstore.MetaObjectID]
		if neighborID == "" || neighborID == objectID {
			continue
		}

		if n.Score >= supportsThreshold {
			if _, err := d.deps.Knowledge.UpsertRelationship(ctx, knowledge.Relationship{
				ID: relationshipID(objectID, neighborID, knowledge.RelationSupports),
				SourceID: objectID, TargetID: neighborID, Type: knowledge.RelationSupports,
				Confidence: n.Score, Evidence: fmt.Sprintf("cosine=%.4f", n.Score), DetectedBy: "relate.cosine",
			}); err != nil {
				log.Warn().Err(err).Str("object_id", objectID).Str("neighbor_id", neighborID).Msg("relate_upsert_supports_failed")
				continue
			}
			res.SupportsEmitted++
		}

		if n.Score >= contradictsThreshold && d.deps.Classifier != nil {
			neighborContent, _, ok := d.primaryContent(ctx, tenantID, neighborID)
			if !ok {
				continue
			}
			fires, confidence, err := d.deps.Classifier.Classify(ctx, content, neighborContent)
			if err != nil {
				log.Warn().Err(err).Str("object_id", objectID).Str("neighbor_id", neighborID).Msg("relate_classify_failed")
				continue
			}
			if !fires {
				continue
			}
			if _, err := d.deps.Knowledge.UpsertRelationship(ctx, knowledge.Relationship{
				ID: relationshipID(objectID, neighborID, knowledge.RelationContradicts),
				SourceID: objectID, TargetID: neighborID, Type: knowledge.RelationContradicts,
				Confidence: confidence, Evidence: fmt.Sprintf("cosine=%.4f classifier=%s", n.Score, d.cfg.ContradictionClassifier), DetectedBy: "relate." + d.cfg.ContradictionClassifier,
			}); err != nil {
				log.Warn().Err(err).Str("object_id", objectID).Str("neighbor_id", neighborID).Msg("relate_upsert_contradicts_failed")
				continue
			}
			res.ContradictsEmitted++
		}
	}
	return res, nil
}

// DiscoverTenant runs DiscoverObject for every non-archived object in
// tenantID (§4.7: "all non-archived objects of a tenant").
func (d *Discoverer) DiscoverTenant(ctx context.Context, tenantID string) ([]Result, error) {
	objs, err := d.deps.Knowledge.ListObjects(ctx, knowledge.Filters{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("relate: list objects: %w", err)
	}
	out := make([]Result, 0, len(objs))
	for _, o := range objs {
		res, err := d.DiscoverObject(ctx, tenantID, o.ID)
		if err != nil {
			gatewaylog.WithRequest(ctx).Warn().Err(err).Str("object_id", o.ID).Msg("relate_discover_object_failed")
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// primaryContent fetches an object's primary variant text: BULLET_FACTS
// when present and non-empty, otherwise SHORT, whatever the object type
// (§4.7: "its primary embedding (SHORT or BULLET_FACTS)").
func (d *Discoverer) primaryContent(ctx context.Context, tenantID, objectID string) (string, knowledge.VariantType, bool) {
	for _, variant := range []knowledge.VariantType{knowledge.VariantBulletFacts, knowledge.VariantShort} {
		v, ok, err := d.deps.Knowledge.GetVariant(ctx, tenantID, objectID, variant)
		if err == nil && ok && v.Content != "" {
			return v.Content, variant, true
		}
	}
	return "", "", false
}

// embeddingFor recovers objectID's own stored vector through a filtered
// FindSimilar lookup (VectorStore exposes no direct get-by-id; the
// object_id+variant filter narrows the match to exactly one point, so the
// probe vector's direction is irrelevant to which record comes back).
func (d *Discoverer) embeddingFor(ctx context.Context, tenantID, objectID string, variant knowledge.VariantType) ([]float32, bool, error) {
	stats, err := d.deps.Vectors.Statistics(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	dim := stats.Dimension
	if dim <= 0 {
		dim = 1
	}
	probe := make([]float32, dim)
	results, err := d.deps.Vectors.FindSimilar(ctx, tenantID, probe, 1, map[string]string{
		vectorstore.MetaObjectID: objectID,
		vectorstore.MetaVariant:  string(variant),
	})
	if err != nil || len(results) == 0 || results[0].Vector == nil {
		return nil, false, nil
	}
	return results[0].Vector, true, nil
}

// relationshipID derives a stable ID for a (source,target,type) edge so
// re-running discovery updates the same row rather than inserting a
// duplicate (§4.7: "idempotent per (source,target,type)").
func relationshipID(source, target string, t knowledge.RelationshipType) string {
	return fmt.Sprintf("%s|%s|%s", source, target, t)
}
