package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftlock/llmgate/internal/models"
	"go.uber.org/zap"
)

const (
	// windowDuration is the span of the sliding admission window.
	windowDuration = time.Minute

	// releaseInterval is the cadence at which queued waiters are re-examined.
	releaseInterval = time.Second
)

// ErrDisposed is returned to callers suspended in the queue when the limiter
// shuts down, and to any acquire attempted afterwards.
var ErrDisposed = errors.New("rate limiter disposed")

// MetricsRecorder receives queue observations. May be nil.
type MetricsRecorder interface {
	RecordQueueDepth(provider string, depth int)
	RecordQueueRejection(provider string)
}

// Status is a point-in-time view of one provider's admission state.
type Status struct {
	RequestsInWindow  int   `json:"requests_in_window"`
	QueueLength       int   `json:"queue_length"`
	NextAvailableSlot int64 `json:"next_available_slot"`
}

// Limiter admits requests per provider through a sliding 60 s window with a
// bounded FIFO wait queue. Providers without a configured limit are admitted
// immediately. Saturation of one provider never blocks another.
type Limiter struct {
	mu       sync.Mutex
	configs  map[string]models.RateLimitConfig
	states   map[string]*providerState
	disposed bool

	now     func() time.Time
	tick    time.Duration
	metrics MetricsRecorder
	logger  *zap.Logger
}

type providerState struct {
	window     []time.Time
	queue      []*waiter
	tickerStop chan struct{}
}

type waiter struct {
	ch         chan error
	enqueuedAt time.Time
}

// NewLimiter creates a limiter for the given per-provider configurations.
func NewLimiter(configs []models.RateLimitConfig, metrics MetricsRecorder, logger *zap.Logger) *Limiter {
	cfgMap := make(map[string]models.RateLimitConfig, len(configs))
	for _, cfg := range configs {
		cfgMap[cfg.Provider] = cfg
	}

	return &Limiter{
		configs: cfgMap,
		states:  make(map[string]*providerState),
		now:     time.Now,
		tick:    releaseInterval,
		metrics: metrics,
		logger:  logger,
	}
}

// Acquire blocks until the request is admitted for the provider, the context
// is cancelled, or the queue is full. Queued waiters are released strictly in
// FIFO order.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	l.mu.Lock()

	if l.disposed {
		l.mu.Unlock()
		return ErrDisposed
	}

	cfg, limited := l.configs[provider]
	if !limited {
		l.mu.Unlock()
		return nil
	}

	st := l.state(provider)
	now := l.now()
	st.prune(now)

	if len(st.window) < cfg.RequestsPerMinute {
		st.window = append(st.window, now)
		l.mu.Unlock()
		return nil
	}

	if len(st.queue) >= cfg.MaxQueueSize {
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.RecordQueueRejection(provider)
		}
		return &models.ProviderError{
			Provider:  provider,
			Message:   fmt.Sprintf("rate limit queue full for provider %s", provider),
			Kind:      models.ErrorKindRateLimit,
			Retryable: false,
		}
	}

	w := &waiter{ch: make(chan error, 1), enqueuedAt: now}
	st.queue = append(st.queue, w)
	l.ensureTicker(provider, st)
	if l.metrics != nil {
		l.metrics.RecordQueueDepth(provider, len(st.queue))
	}
	l.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		return l.abandonWaiter(provider, w, ctx.Err())
	}
}

// abandonWaiter removes a cancelled waiter from the queue. When the ticker
// released it concurrently, the admission outcome wins over cancellation.
func (l *Limiter) abandonWaiter(provider string, w *waiter, cause error) error {
	l.mu.Lock()
	st := l.states[provider]
	if st != nil {
		for i, queued := range st.queue {
			if queued == w {
				st.queue = append(st.queue[:i], st.queue[i+1:]...)
				l.mu.Unlock()
				return cause
			}
		}
	}
	l.mu.Unlock()

	return <-w.ch
}

// GetStatus reports the current window and queue state for a provider.
func (l *Limiter) GetStatus(provider string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, limited := l.configs[provider]
	st, ok := l.states[provider]
	if !limited || !ok {
		return Status{}
	}

	now := l.now()
	st.prune(now)

	status := Status{
		RequestsInWindow: len(st.window),
		QueueLength:      len(st.queue),
	}
	if len(st.window) >= cfg.RequestsPerMinute && len(st.window) > 0 {
		status.NextAvailableSlot = st.window[0].Add(windowDuration).UnixMilli()
	}
	return status
}

// Dispose stops all release tickers and rejects every queued waiter. No
// acquire succeeds afterwards.
func (l *Limiter) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}
	l.disposed = true

	for provider, st := range l.states {
		if st.tickerStop != nil {
			close(st.tickerStop)
			st.tickerStop = nil
		}
		for _, w := range st.queue {
			w.ch <- ErrDisposed
		}
		st.queue = nil
		if l.metrics != nil {
			l.metrics.RecordQueueDepth(provider, 0)
		}
	}

	if l.logger != nil {
		l.logger.Info("Rate limiter disposed")
	}
}

// state returns the mutable state for a provider, creating it on first use.
// Caller holds l.mu.
func (l *Limiter) state(provider string) *providerState {
	st, ok := l.states[provider]
	if !ok {
		st = &providerState{}
		l.states[provider] = st
	}
	return st
}

// ensureTicker starts the release ticker for a provider if it is not already
// running. Caller holds l.mu.
func (l *Limiter) ensureTicker(provider string, st *providerState) {
	if st.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	st.tickerStop = stop
	go l.runTicker(provider, stop)
}

// runTicker releases queued waiters whenever the window regains capacity,
// strictly in FIFO order, and exits once the queue drains.
func (l *Limiter) runTicker(provider string, stop chan struct{}) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			st := l.states[provider]
			cfg := l.configs[provider]
			if st == nil || st.tickerStop == nil {
				l.mu.Unlock()
				return
			}

			now := l.now()
			st.prune(now)
			for len(st.queue) > 0 && len(st.window) < cfg.RequestsPerMinute {
				w := st.queue[0]
				st.queue = st.queue[1:]
				st.window = append(st.window, now)
				w.ch <- nil
			}
			if l.metrics != nil {
				l.metrics.RecordQueueDepth(provider, len(st.queue))
			}

			if len(st.queue) == 0 {
				st.tickerStop = nil
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
		}
	}
}

// prune drops admission timestamps older than the window.
func (st *providerState) prune(now time.Time) {
	cutoff := now.Add(-windowDuration)
	i := 0
	for i < len(st.window) && st.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		st.window = append(st.window[:0], st.window[i:]...)
	}
}
