package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

type SaveStageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type SaveIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type SaveLatencySnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []SaveStageStats `json:"stages"`
	Indicators  []SaveIndicator  `json:"indicators,omitempty"`
}

// SaveLatencyWindow keeps the newest durations per save stage, plus plain
// counters for events without a duration.
type SaveLatencyWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*durationRing
	indicators map[string]int
}

// durationRing overwrites its oldest sample once full.
type durationRing struct {
	samples []time.Duration
	seen    int
}

func (r *durationRing) add(d time.Duration, size int) {
	if len(r.samples) < size {
		r.samples = append(r.samples, d)
	} else {
		r.samples[r.seen%size] = d
	}
	r.seen++
}

func (r *durationRing) last() time.Duration {
	return r.samples[(r.seen-1)%len(r.samples)]
}

func (r *durationRing) stats(stage string) SaveStageStats {
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	n := len(sorted)
	return SaveStageStats{
		Stage:   stage,
		Samples: n,
		LastMS:  millis(r.last()),
		AvgMS:   millis(total / time.Duration(n)),
		P50MS:   millis(nearestRank(sorted, 50)),
		P95MS:   millis(nearestRank(sorted, 95)),
		P99MS:   millis(nearestRank(sorted, 99)),
	}
}

func NewSaveLatencyWindow(size int) *SaveLatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &SaveLatencyWindow{
		size:       size,
		rings:      make(map[string]*durationRing),
		indicators: make(map[string]int),
	}
}

func (w *SaveLatencyWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &durationRing{}
		w.rings[stage] = r
	}
	r.add(d, w.size)
}

func (w *SaveLatencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

// Snapshot summarizes every stage, ordered by stage name.
func (w *SaveLatencyWindow) Snapshot() SaveLatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := SaveLatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]SaveStageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		snap.Stages = append(snap.Stages, w.rings[stage].stats(stage))
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, SaveIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// Reset forgets every sample and counter.
func (w *SaveLatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.rings)
	clear(w.indicators)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// nearestRank returns the pct-th percentile of a non-empty sorted slice.
func nearestRank(sorted []time.Duration, pct int) time.Duration {
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(sorted))))
	return sorted[max(rank, 1)-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
