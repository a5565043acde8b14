// Package knowledge implements the KnowledgeObject / ContentVariant /
// Embedding / KnowledgeRelationship entities and stores from SPEC_FULL.md
// §3, grounded on internal/persistence's Init/List/GetByName/Upsert/Delete
// store-interface convention and internal/persistence/databases' pgx
// parameterized-query style.
package knowledge

import "time"

// ObjectType enumerates KnowledgeObject.type.
type ObjectType string

const (
	TypeTurn          ObjectType = "TURN"
	TypeFileChunk     ObjectType = "FILE_CHUNK"
	TypeSummary       ObjectType = "SUMMARY"
	TypeExtractedFact ObjectType = "EXTRACTED_FACT"
	TypeSessionMemory ObjectType = "SESSION_MEMORY"
)

// VariantType enumerates ContentVariant.variant.
type VariantType string

const (
	VariantRaw          VariantType = "RAW"
	VariantShort         VariantType = "SHORT"
	VariantMedium        VariantType = "MEDIUM"
	VariantBulletFacts   VariantType = "BULLET_FACTS"
)

// RelationshipType enumerates KnowledgeRelationship.type.
type RelationshipType string

const (
	RelationSupports    RelationshipType = "SUPPORTS"
	RelationReferences  RelationshipType = "REFERENCES"
	RelationContradicts RelationshipType = "CONTRADICTS"
)

// Object is a KnowledgeObject (§3). Parent/child forms a directed forest;
// archived hides it from retrieval but not relationship traversal.
type Object struct {
	ID             string
	TenantID       string
	Type           ObjectType
	SessionID      string
	UserID         string
	ParentID       string
	Tags           []string
	Metadata       map[string]string
	Archived       bool
	CreatedAt      time.Time
	OriginalTokens int
}

// Variant is a ContentVariant (§3). Invariant: exactly one of Content or
// StorageURI is set; RAW may live behind StorageURI, SHORT/BULLET_FACTS
// must be inline; at most one variant of each type per Object.
type Variant struct {
	ID               string
	KnowledgeObjectID string
	Variant          VariantType
	Content          string
	StorageURI       string
	Tokens           int
	EmbeddingID      string
	CreatedAt        time.Time
}

// HasContent reports whether Content (not StorageURI) carries the payload.
func (v Variant) HasContent() bool { return v.StorageURI == "" }

// Valid enforces the exactly-one-of invariant.
func (v Variant) Valid() bool {
	return (v.Content != "") != (v.StorageURI != "")
}

// Embedding is an Embedding row (§3), unique per VariantID.
type Embedding struct {
	ID          string
	VariantID   string
	Vector      []float32
	TextSnippet string
	CreatedAt   time.Time
}

// Relationship is a KnowledgeRelationship edge (§3). At most one edge of a
// given (SourceID, TargetID, Type); re-detection updates Confidence/Evidence.
type Relationship struct {
	ID         string
	SourceID   string
	TargetID   string
	Type       RelationshipType
	Confidence float64
	Evidence   string
	DetectedBy string
	CreatedAt  time.Time
}
