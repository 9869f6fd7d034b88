package utils

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencySummary describes the recent durations of one operation.
type LatencySummary struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean_ns"`
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	Max   time.Duration `json:"max_ns"`
}

// LatencyTracker keeps a bounded window of durations per operation name.
type LatencyTracker struct {
	mu     sync.Mutex
	window int
	rings  map[string]*ring
}

type ring struct {
	buf  []time.Duration
	next int
	full bool
}

func (r *ring) add(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []time.Duration {
	if r.full {
		return append([]time.Duration(nil), r.buf...)
	}
	return append([]time.Duration(nil), r.buf[:r.next]...)
}

// NewLatencyTracker keeps the last window samples of each operation.
func NewLatencyTracker(window int) *LatencyTracker {
	if window <= 0 {
		window = 512
	}
	return &LatencyTracker{window: window, rings: make(map[string]*ring)}
}

// Observe records d for op, evicting the oldest sample once the window is full.
func (l *LatencyTracker) Observe(op string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rings[op]
	if !ok {
		r = &ring{buf: make([]time.Duration, l.window)}
		l.rings[op] = r
	}
	r.add(d)
}

// Summary returns the statistics of op. Unknown operations yield a zero summary.
func (l *LatencyTracker) Summary(op string) LatencySummary {
	l.mu.Lock()
	r, ok := l.rings[op]
	var samples []time.Duration
	if ok {
		samples = r.values()
	}
	l.mu.Unlock()
	return summarize(samples)
}

// Snapshot summarizes every observed operation.
func (l *LatencyTracker) Snapshot() map[string]LatencySummary {
	l.mu.Lock()
	raw := make(map[string][]time.Duration, len(l.rings))
	for op, r := range l.rings {
		raw[op] = r.values()
	}
	l.mu.Unlock()

	out := make(map[string]LatencySummary, len(raw))
	for op, samples := range raw {
		out[op] = summarize(samples)
	}
	return out
}

func summarize(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return LatencySummary{
		Count: len(samples),
		Mean:  total / time.Duration(len(samples)),
		P50:   nearestRank(samples, 50),
		P95:   nearestRank(samples, 95),
		Max:   samples[len(samples)-1],
	}
}

// nearestRank expects sorted samples.
func nearestRank(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
