// Package gatewaymetrics adapts OpenTelemetry metrics for gatewaycore's own
// counters (queue backlog, drops, job outcomes), grounded on
// internal/rag/obs/metrics.go's meter-and-instrument-cache shape, reused
// here as a small Counter/Histogram sink rather than RAG-pipeline-specific
// instrumentation.
package gatewaymetrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink is implemented by OtelSink and NoopSink so callers can be built and
// tested without a live meter provider.
type Sink interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// OtelSink records onto the global otel Meter, caching instruments by name
// since otel.Meter.Int64Counter allocates on every call.
type OtelSink struct {
	meter      metric.Meter
	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOtelSink builds a Sink under the given instrumentation scope name
// (e.g. "gatewaycore/memorypipe").
func NewOtelSink(scope string) *OtelSink {
	return &OtelSink{
		meter:      otel.Meter(scope),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (s *OtelSink) IncCounter(name string, labels map[string]string) {
	if s == nil {
		return
	}
	c, ok := s.getCounter(name)
	if !ok {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

func (s *OtelSink) ObserveHistogram(name string, value float64, labels map[string]string) {
	if s == nil {
		return
	}
	h, ok := s.getHistogram(name)
	if !ok {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func (s *OtelSink) getCounter(name string) (metric.Int64Counter, bool) {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return c, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[name]; ok {
		return c, true
	}
	ctr, err := s.meter.Int64Counter(name)
	if err != nil {
		return ctr, false
	}
	s.counters[name] = ctr
	return ctr, true
}

func (s *OtelSink) getHistogram(name string) (metric.Float64Histogram, bool) {
	s.mu.RLock()
	h, ok := s.histograms[name]
	s.mu.RUnlock()
	if ok {
		return h, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.histograms[name]; ok {
		return h, true
	}
	hist, err := s.meter.Float64Histogram(name)
	if err != nil {
		return hist, false
	}
	s.histograms[name] = hist
	return hist, true
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

// NoopSink discards everything; the zero value of *NoopSink works, used
// where no meter provider is configured (tests, CLI tools).
type NoopSink struct{}

func (NoopSink) IncCounter(string, map[string]string)            {}
func (NoopSink) ObserveHistogram(string, float64, map[string]string) {}

// MemorySink records into memory for assertions in tests.
type MemorySink struct {
	mu       sync.Mutex
	Counters map[string]int
}

func NewMemorySink() *MemorySink { return &MemorySink{Counters: map[string]int{}} }

func (m *MemorySink) IncCounter(name string, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *MemorySink) ObserveHistogram(string, float64, map[string]string) {}

func (m *MemorySink) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}
