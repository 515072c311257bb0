package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LagStats summarizes how old price ticks were when they reached clients.
type LagStats struct {
	Samples int     `json:"samples"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
}

// LagTracker keeps the last N lag samples in a ring.
type LagTracker struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	next    int
	filled  bool
}

// NewLagTracker creates a tracker over the last capacity samples.
func NewLagTracker(capacity int) *LagTracker {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LagTracker{samples: make([]float64, capacity)}
}

// Observe records one lag. Negative lags (clock skew) are ignored.
func (lt *LagTracker) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	lt.mu.Lock()
	lt.samples[lt.next] = float64(d.Microseconds()) / 1000
	lt.next++
	if lt.next == len(lt.samples) {
		lt.next, lt.filled = 0, true
	}
	lt.mu.Unlock()
}

// Stats returns percentiles over the retained samples.
func (lt *LagTracker) Stats() LagStats {
	lt.mu.Lock()
	n := lt.next
	if lt.filled {
		n = len(lt.samples)
	}
	sorted := append([]float64(nil), lt.samples[:n]...)
	lt.mu.Unlock()

	if n == 0 {
		return LagStats{}
	}
	sort.Float64s(sorted)
	return LagStats{
		Samples: n,
		P50Ms:   quantile(sorted, 0.50),
		P95Ms:   quantile(sorted, 0.95),
		P99Ms:   quantile(sorted, 0.99),
	}
}

// quantile linearly interpolates the q-th quantile of sorted.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := q * float64(n-1)
	lo := int(math.Floor(rank))
	if lo+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
