package orchestrator

import (
	"sort"
	"sync"
	"time"

	"quorumlabs/quorum/pkg/providers"
)

// ModelStats is cumulative per-model bookkeeping across runs.
type ModelStats struct {
	TokensUsed     int     `json:"tokens_used"`
	Successful     int     `json:"successful"`
	Failed         int     `json:"failed"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	AvgQuality     float64 `json:"avg_quality"`
	qualitySamples int
}

type statsBook struct {
	mu     sync.Mutex
	models map[string]*ModelStats
}

func newStatsBook() *statsBook {
	return &statsBook{models: make(map[string]*ModelStats)}
}

func (b *statsBook) recordSuccess(model string, tokens int, latency time.Duration, quality *providers.QualityMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(model)
	s.Successful++
	s.TokensUsed += tokens

	// Rolling average over successful calls.
	n := float64(s.Successful)
	s.AvgLatencyMs += (float64(latency.Milliseconds()) - s.AvgLatencyMs) / n

	if quality != nil {
		s.qualitySamples++
		qn := float64(s.qualitySamples)
		s.AvgQuality += (quality.Average() - s.AvgQuality) / qn
	}
}

func (b *statsBook) recordFailure(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(model).Failed++
}

func (b *statsBook) get(model string) *ModelStats {
	s, ok := b.models[model]
	if !ok {
		s = &ModelStats{}
		b.models[model] = s
	}
	return s
}

func (b *statsBook) snapshot() map[string]ModelStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]ModelStats, len(b.models))
	for model, s := range b.models {
		out[model] = *s
	}
	return out
}

// Metrics returns cumulative per-model statistics.
func (e *Engine) Metrics() map[string]ModelStats {
	return e.stats.snapshot()
}

// Models returns the registered model ids, sorted.
func (e *Engine) Models() []string {
	ids := e.registry.List()
	sort.Strings(ids)
	return ids
}
