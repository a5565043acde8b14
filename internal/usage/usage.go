// Package usage implements UsageLog (§3) and UsageTracker (§4.9): append-
// only rows keyed uniquely by request_id, aggregation over (tenant,window),
// saturation checks feeding RateLimiter, and a reloadable pricing table.
// Grounded on internal/persistence's repository-interface convention and
// internal/config's default-fallback config-loading idiom (applied here to
// the pricing table's reload-without-restart requirement).
package usage

import (
	"context"
	"sync"
	"time"
)

// Log is a UsageLog row (§3). Append-only; request_id is unique.
type Log struct {
	ID                 string
	TenantID           string
	UserID             string
	SessionID          string
	RequestID          string
	Model              string
	KnowledgeTokensUsed int
	LLMInputTokens     int
	LLMOutputTokens    int
	CostEstimate       float64
	Timestamp          time.Time
}

// Store appends Log rows; Append MUST be idempotent on RequestID (§4.5:
// "the row's request_id is unique; duplicate writes are ignored").
type Store interface {
	Init(ctx context.Context) error
	// Append returns (inserted=false, nil) when RequestID already exists,
	// rather than an error — duplicate writes are a no-op, not a failure.
	Append(ctx context.Context, l Log) (inserted bool, err error)
	Sum(ctx context.Context, tenantID string, since time.Time) (promptTokens, completionTokens int, err error)
}

// Direction distinguishes input vs output tokens for pricing lookups.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// PricingTable maps (model, direction) to a per-token rate, and reloads
// atomically (§9: "global mutable state... lives in a single immutable
// configuration snapshot, reloadable atomically").
type PricingTable struct {
	mu    sync.RWMutex
	rates map[string]map[Direction]float64
	warn  func(model string)
}

func NewPricingTable(rates map[string]map[Direction]float64) *PricingTable {
	if rates == nil {
		rates = map[string]map[Direction]float64{}
	}
	return &PricingTable{rates: rates}
}

// OnUnknownModel registers a callback invoked when Cost is asked to price
// a model with no table entry (§4.9: "unknown models yield cost 0 with a
// warning").
func (t *PricingTable) OnUnknownModel(f func(model string)) { t.warn = f }

// Reload atomically swaps the rate table.
func (t *PricingTable) Reload(rates map[string]map[Direction]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates = rates
}

// Cost computes Σ tokens × rate(model, direction); unknown models cost 0.
func (t *PricingTable) Cost(model string, inputTokens, outputTokens int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byDir, ok := t.rates[model]
	if !ok {
		if t.warn != nil {
			t.warn(model)
		}
		return 0
	}
	return float64(inputTokens)*byDir[DirectionInput] + float64(outputTokens)*byDir[DirectionOutput]
}

// Tracker is the UsageTracker component (§4.9).
type Tracker struct {
	store   Store
	pricing *PricingTable
}

func NewTracker(store Store, pricing *PricingTable) *Tracker {
	return &Tracker{store: store, pricing: pricing}
}

// Record appends a UsageLog row with cost computed from the pricing table,
// returning the inserted row (or the pre-existing one on a duplicate
// request_id).
func (t *Tracker) Record(ctx context.Context, l Log) (Log, error) {
	if l.CostEstimate == 0 {
		l.CostEstimate = t.pricing.Cost(l.Model, l.LLMInputTokens, l.LLMOutputTokens)
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	if _, err := t.store.Append(ctx, l); err != nil {
		return Log{}, err
	}
	return l, nil
}

// WindowSaturated answers "is the per-window token budget for tenantID
// saturated?" feeding RateLimiter's plan-level caps (§4.9).
func (t *Tracker) WindowSaturated(ctx context.Context, tenantID string, window time.Duration, maxTokens int) (bool, error) {
	in, out, err := t.store.Sum(ctx, tenantID, time.Now().Add(-window))
	if err != nil {
		return false, err
	}
	return in+out >= maxTokens, nil
}
