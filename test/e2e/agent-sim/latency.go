package main

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sessfuzz/sessfuzz/internal/engine"
	"github.com/sessfuzz/sessfuzz/internal/session"
)

// LatencyConfig provides thread-safe configurable latency for executions.
type LatencyConfig struct {
	mu     sync.Mutex
	base   time.Duration
	jitter time.Duration
	rng    *rand.Rand
}

// NewLatencyConfig creates a new LatencyConfig.
func NewLatencyConfig(base, jitter time.Duration) *LatencyConfig {
	return &LatencyConfig{
		base:   base,
		jitter: jitter,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

// Delay returns a random duration: base + uniform(-jitter, +jitter), clamped >= 0.
func (lc *LatencyConfig) Delay() time.Duration {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	d := lc.base
	if lc.jitter > 0 {
		d += time.Duration(-int64(lc.jitter) + lc.rng.Int64N(int64(lc.jitter)*2+1))
	}
	return max(d, 0)
}

// slowExecutor delays every execution of next.
type slowExecutor struct {
	next    engine.RawExecutor
	latency *LatencyConfig
}

func (s *slowExecutor) ExecuteRaw(ctx context.Context, in *session.Input) ([]byte, error) {
	timer := time.NewTimer(s.latency.Delay())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return s.next.ExecuteRaw(ctx, in)
}
