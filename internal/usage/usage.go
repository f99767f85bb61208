package usage

import (
	"sync"

	v1 "github.com/driftlock/llmgate/pkg/api/v1"
)

// MetricsRecorder receives usage observations. May be nil.
type MetricsRecorder interface {
	RecordUsage(provider, model string, promptTokens, completionTokens int)
}

// Counters accumulates best-effort consumption totals for one
// provider/model pair.
type Counters struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Tracker keeps in-process usage counters for the dashboard and mirrors the
// prompt and completion token counts into Prometheus. Counters reset on
// restart.
type Tracker struct {
	mu       sync.Mutex
	counters map[string]map[string]*Counters
	metrics  MetricsRecorder
}

// NewTracker creates an empty tracker.
func NewTracker(metrics MetricsRecorder) *Tracker {
	return &Tracker{
		counters: make(map[string]map[string]*Counters),
		metrics:  metrics,
	}
}

// Record adds one completed request's usage.
func (t *Tracker) Record(provider, model string, usage v1.Usage) {
	t.mu.Lock()
	byModel, ok := t.counters[provider]
	if !ok {
		byModel = make(map[string]*Counters)
		t.counters[provider] = byModel
	}
	c, ok := byModel[model]
	if !ok {
		c = &Counters{}
		byModel[model] = c
	}
	c.Requests++
	c.PromptTokens += int64(usage.PromptTokens)
	c.CompletionTokens += int64(usage.CompletionTokens)
	c.TotalTokens += int64(usage.TotalTokens)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordUsage(provider, model, usage.PromptTokens, usage.CompletionTokens)
	}
}

// Snapshot returns a copy of every counter.
func (t *Tracker) Snapshot() map[string]map[string]Counters {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]map[string]Counters, len(t.counters))
	for provider, byModel := range t.counters {
		out[provider] = make(map[string]Counters, len(byModel))
		for model, c := range byModel {
			out[provider][model] = *c
		}
	}
	return out
}
