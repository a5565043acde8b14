package summarize

import (
	"context"
	"sync"
	"time"

	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
)

// Dispatcher adapts Summarizer to memorypipe.SummarizationTrigger: Trigger
// must return immediately, so runs are queued onto a small bounded worker
// pool rather than executed inline on the memory pipeline's goroutine.
// Grounded on memorypipe.Pipeline's own bounded-channel-plus-worker-pool
// shape, reused here one level up the call chain.
type Dispatcher struct {
	summarizer *Summarizer
	jobs       chan triggerJob
	wg         sync.WaitGroup
}

type triggerJob struct {
	tenantID  string
	sessionID string
}

// NewDispatcher builds a Dispatcher with the given queue depth and worker
// count. A full queue drops the trigger with only a warning log (§4.8: summarization is
// best-effort bookkeeping, not a correctness requirement the caller blocks
// on).
func NewDispatcher(summarizer *Summarizer, queueDepth, workers int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{summarizer: summarizer, jobs: make(chan triggerJob, queueDepth)}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		rec, err := d.summarizer.Summarize(ctx, j.tenantID, j.sessionID, "")
		cancel()
		log := gatewaylog.WithRequest(context.Background()).With().
			Str("tenant_id", j.tenantID).Str("session_id", j.sessionID).Logger()
		if err != nil {
			log.Warn().Err(err).Msg("summarize_job_failed")
			continue
		}
		log.Info().Str("status", rec.Status).Str("memory_object_id", rec.MemoryObjectID).
			Int("tokens_used", rec.TokensUsed).Msg("summarize_job_completed")
	}
}

// Trigger implements memorypipe.SummarizationTrigger. Non-blocking: drops
// the trigger if the queue is full rather than applying backpressure to the
// memory pipeline's per-session worker.
func (d *Dispatcher) Trigger(ctx context.Context, tenantID, sessionID string) {
	select {
	case d.jobs <- triggerJob{tenantID: tenantID, sessionID: sessionID}:
	default:
		gatewaylog.WithRequest(ctx).Warn().Str("tenant_id", tenantID).Str("session_id", sessionID).
			Msg("summarize_dispatch_queue_full")
	}
}

// Close stops accepting new triggers and waits for in-flight jobs to drain.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
}
