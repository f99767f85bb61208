package providers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/driftlock/llmgate/internal/models"
)

// upstreamTimeout bounds every upstream HTTP call.
const upstreamTimeout = 30 * time.Second

// Adapter shapes requests for one upstream provider, parses its responses
// and streams, and classifies its failures.
type Adapter interface {
	// Name returns the unique name identifier for this provider.
	Name() string

	// Call performs a single-shot completion.
	Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error)

	// Stream performs a streaming completion. Chunks arrive on the first
	// channel in upstream order; a terminal failure, if any, is delivered on
	// the second channel after the chunk channel closes.
	Stream(ctx context.Context, req models.ProviderRequest) (<-chan models.ProviderStreamChunk, <-chan error)
}

// Registry maps provider names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, &models.ProviderError{
			Provider:  name,
			Message:   fmt.Sprintf("no adapter registered for provider %q", name),
			Kind:      models.ErrorKindServiceUnavailable,
			Retryable: true,
		}
	}
	return a, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// newUpstreamClient builds the HTTP client an adapter uses for its upstream
// calls; each adapter gets its own.
func newUpstreamClient() *http.Client {
	return &http.Client{Timeout: upstreamTimeout}
}
