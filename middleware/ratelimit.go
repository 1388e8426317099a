package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front
// of a Pipe. It estimates the token cost of each request, blocks callers
// until capacity is available, and halves its effective tokens-per-minute
// budget whenever the wrapped Pipe reports a rate-limited error, probing
// back up gradually on success. Sits outside the cache/display/telemetry
// ordering of Chain, closest to the transport, per SPEC_FULL.md §4.3.
//
// Grounded on features/model/middleware/ratelimit.go's AIMD token-bucket
// shape, retargeted from model.Client to the generation/Pipe types; the
// teacher's cluster coordination (goa.design/pulse/rmap) is replaced with
// a direct Redis client (github.com/redis/go-redis/v9), since pulse/rmap
// is tightly coupled to the teacher's own control plane and nothing else
// in this package needs it, while go-redis/v9 is already required for
// cache/rediscache.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

// NewAdaptiveRateLimiter constructs a process-local AdaptiveRateLimiter
// with a tokens-per-minute budget.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// NewClusterAdaptiveRateLimiter constructs an AdaptiveRateLimiter whose
// tokens-per-minute budget is coordinated across processes through key in
// rdb, falling back to a process-local limiter if rdb or key is unset, or
// if seeding the shared budget fails.
func NewClusterAdaptiveRateLimiter(ctx context.Context, rdb *redis.Client, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if rdb == nil || key == "" {
		return NewAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	l := NewAdaptiveRateLimiter(initialTPM, maxTPM)

	if err := rdb.SetNX(ctx, key, strconv.Itoa(int(initialTPM)), 0).Err(); err != nil {
		return NewAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if cur, err := rdb.Get(ctx, key).Result(); err == nil {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			l.replaceTPM(v)
		}
	}

	min, max, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.setClusterCallbacks(
		func(_ float64) { go clusterBackoff(context.Background(), rdb, key, min) },
		func(_ float64) { go clusterProbe(context.Background(), rdb, key, step, max) },
	)

	go watchCluster(rdb, key, l)
	return l
}

// Wrap enforces the limiter before delegating to next.
func (l *AdaptiveRateLimiter) Wrap(next Pipe) Pipe {
	return func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		if err := l.wait(ctx, req); err != nil {
			return nil, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeTimeout, "middleware: rate limiter wait canceled", err)
		}
		resp, cerr := next(ctx, req)
		l.observe(cerr)
		return resp, cerr
	}
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req generation.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(cerr *conduiterr.Error) {
	if cerr == nil {
		l.probe()
		return
	}
	if cerr.Info.Code == conduiterr.CodeRateLimited {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.mu.Unlock()
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

// estimateTokens computes a cheap heuristic for the token cost of req: sum
// of message content lengths converted to tokens at ~1 per 3 characters,
// plus a fixed buffer for system prompts and provider framing.
func estimateTokens(req generation.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func clusterBackoff(ctx context.Context, rdb *redis.Client, key string, floor float64) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	casUpdate(ctx, rdb, key, func(cur float64) float64 {
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		return next
	})
}

func clusterProbe(ctx context.Context, rdb *redis.Client, key string, step, ceiling float64) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	casUpdate(ctx, rdb, key, func(cur float64) float64 {
		if cur >= ceiling {
			return cur
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		return next
	})
}

// casUpdate applies update to the value at key via WATCH/MULTI optimistic
// locking, retrying a bounded number of times on a concurrent writer.
func casUpdate(ctx context.Context, rdb *redis.Client, key string, update func(cur float64) float64) {
	const maxAttempts = 3
	for i := 0; i < maxAttempts; i++ {
		err := rdb.Watch(ctx, func(tx *redis.Tx) error {
			curStr, err := tx.Get(ctx, key).Result()
			if err != nil {
				return err
			}
			cur, err := strconv.ParseFloat(curStr, 64)
			if err != nil || cur <= 0 {
				return nil
			}
			next := update(cur)
			if next == cur {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, strconv.Itoa(int(next)), 0)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return
		}
		if err != redis.TxFailedErr {
			return
		}
	}
}

func watchCluster(rdb *redis.Client, key string, l *AdaptiveRateLimiter) {
	ctx := context.Background()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		cur, err := rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(cur, 64)
		if err != nil || v <= 0 {
			continue
		}
		l.replaceTPM(v)
	}
}
