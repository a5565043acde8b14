// Package ratelimit implements RateLimiter (§4.2): a token bucket per
// (tenant_id, api_key_id) keyed by plan, backed by a shared cache.Cache
// with an in-process fallback on cache failure. Grounded on
// internal/orchestrator/dedupe.go's Redis Get/Set-with-TTL pattern and
// internal/workspaces/redis_cache.go's AcquireCommitLock for the
// compare-and-swap-equivalent read-modify-write around bucket state.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/manifold-run/gatewaycore/internal/cache"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
)

// Plan-level defaults (§4.2): 60 requests/min steady, burst 120.
const (
	DefaultRequestsPerMinute = 60
	DefaultBurst             = 120
)

// bucketState is the serialized token-bucket state stored in the cache.
type bucketState struct {
	Tokens       float64 `json:"tokens"`
	LastRefillNs int64   `json:"last_refill_ns"`
}

// Limiter is the RateLimiter component.
type Limiter struct {
	c                 cache.Cache
	requestsPerMinute int
	burst             int
	jobsPerMinute     int
	mu                sync.Mutex
	inprocBuckets     map[string]*bucketState // fallback path if cache ops fail
}

// New builds a Limiter from cfg, using c as the shared cache. c itself may
// already be an in-process cache.InProcessCache (cache.Build's own
// open-circuit fallback); Limiter additionally guards every cache call so
// a transient cache error degrades to a local bucket for that one check
// rather than denying the request.
func New(c cache.Cache, cfg gatewayconfig.RateLimitConfig) *Limiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	jobs := cfg.JobsPerMinute
	if jobs <= 0 {
		jobs = 2 * DefaultRequestsPerMinute
	}
	return &Limiter{c: c, requestsPerMinute: rpm, burst: burst, jobsPerMinute: jobs, inprocBuckets: map[string]*bucketState{}}
}

func bucketKey(tenantID, apiKeyID string, job bool) string {
	if job {
		return fmt.Sprintf("ratelimit:job:%s:%s", tenantID, apiKeyID)
	}
	return fmt.Sprintf("ratelimit:chat:%s:%s", tenantID, apiKeyID)
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // refill hint, meaningful only when !Allowed
}

// Allow checks and consumes one token from the (tenant_id, api_key_id)
// bucket shared by chat-completion and embedding endpoints (§4.2: "embedding
// and chat-completion share the bucket").
func (l *Limiter) Allow(ctx context.Context, tenantID, apiKeyID string) (Result, error) {
	return l.allow(ctx, tenantID, apiKeyID, false)
}

// AllowJob checks the separate, higher job-endpoint limit (§4.2: "job
// endpoints have a separate, higher limit").
func (l *Limiter) AllowJob(ctx context.Context, tenantID, apiKeyID string) (Result, error) {
	return l.allow(ctx, tenantID, apiKeyID, true)
}

func (l *Limiter) allow(ctx context.Context, tenantID, apiKeyID string, job bool) (Result, error) {
	rpm, burst := l.requestsPerMinute, l.burst
	if job {
		rpm, burst = l.jobsPerMinute, l.jobsPerMinute*2
	}
	key := bucketKey(tenantID, apiKeyID, job)
	lockKey := key + ":lock"

	locked, err := l.c.AcquireLock(ctx, lockKey, 200*time.Millisecond)
	if err != nil || !locked {
		// Cache contention or failure: degrade to an in-process bucket for
		// this single check rather than deny (§4.2: "open-circuit rather
		// than deny").
		return l.allowInProcess(key, rpm, burst), nil
	}
	defer l.c.ReleaseLock(ctx, lockKey)

	raw, found, err := l.c.Get(ctx, key)
	if err != nil {
		return l.allowInProcess(key, rpm, burst), nil
	}
	now := time.Now()
	var st bucketState
	if found {
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			st = bucketState{Tokens: float64(burst), LastRefillNs: now.UnixNano()}
		}
	} else {
		st = bucketState{Tokens: float64(burst), LastRefillNs: now.UnixNano()}
	}

	refill(&st, now, rpm, burst)

	var res Result
	if st.Tokens >= 1 {
		st.Tokens -= 1
		res = Result{Allowed: true}
	} else {
		res = Result{Allowed: false, RetryAfter: retryAfter(st, rpm)}
	}

	encoded, _ := json.Marshal(st)
	_ = l.c.Set(ctx, key, string(encoded), time.Hour)
	return res, nil
}

func (l *Limiter) allowInProcess(key string, rpm, burst int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.inprocBuckets[key]
	now := time.Now()
	if !ok {
		st = &bucketState{Tokens: float64(burst), LastRefillNs: now.UnixNano()}
		l.inprocBuckets[key] = st
	}
	refill(st, now, rpm, burst)
	if st.Tokens >= 1 {
		st.Tokens -= 1
		return Result{Allowed: true}
	}
	return Result{Allowed: false, RetryAfter: retryAfter(*st, rpm)}
}

// refill adds tokens accrued since LastRefillNs at rpm/60 tokens/sec,
// capped at burst.
func refill(st *bucketState, now time.Time, rpm, burst int) {
	elapsed := now.UnixNano() - st.LastRefillNs
	if elapsed <= 0 {
		return
	}
	perSecond := float64(rpm) / 60.0
	st.Tokens += float64(elapsed) / float64(time.Second) * perSecond
	if st.Tokens > float64(burst) {
		st.Tokens = float64(burst)
	}
	st.LastRefillNs = now.UnixNano()
}

// retryAfter estimates seconds until one token is available.
func retryAfter(st bucketState, rpm int) time.Duration {
	if rpm <= 0 {
		return time.Minute
	}
	perSecond := float64(rpm) / 60.0
	deficit := 1 - st.Tokens
	if deficit <= 0 {
		return 0
	}
	secs := deficit / perSecond
	return time.Duration(secs * float64(time.Second))
}

// RetryAfterHeader formats a Result's RetryAfter as the integer-seconds
// string required by the Retry-After HTTP header (§4.2).
func RetryAfterHeader(r Result) string {
	secs := int(r.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
