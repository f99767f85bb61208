package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftlock/llmgate/internal/models"
	"go.uber.org/zap"
)

// defaultFailureTTL is how long a provider stays in the failed set after a
// reported failure.
const defaultFailureTTL = time.Minute

// Router resolves model aliases to prioritized provider candidates and keeps
// a transient memory of recently failed providers.
type Router struct {
	mu         sync.Mutex
	aliases    map[string]models.ModelAlias
	failed     map[string]time.Time
	failureTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a router over the configured aliases.
func New(aliases []models.ModelAlias, logger *zap.Logger) *Router {
	aliasMap := make(map[string]models.ModelAlias, len(aliases))
	for _, a := range aliases {
		aliasMap[a.Alias] = a
	}

	return &Router{
		aliases:    aliasMap,
		failed:     make(map[string]time.Time),
		failureTTL: defaultFailureTTL,
		now:        time.Now,
		logger:     logger,
	}
}

// Aliases returns the configured alias names, sorted.
func (r *Router) Aliases() []string {
	names := make([]string, 0, len(r.aliases))
	for name := range r.aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve expands a model identifier into a candidate list sorted by
// ascending priority. Identifiers of the form "provider/model" bypass the
// alias table.
func (r *Router) Resolve(model string) ([]models.ProviderModel, error) {
	if alias, ok := r.aliases[model]; ok {
		candidates := make([]models.ProviderModel, len(alias.Providers))
		copy(candidates, alias.Providers)
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})
		return candidates, nil
	}

	if provider, name, ok := strings.Cut(model, "/"); ok && provider != "" && name != "" {
		return []models.ProviderModel{{Provider: provider, Model: name, Priority: 0}}, nil
	}

	return nil, &models.ProviderError{
		Message: fmt.Sprintf("Unknown model: %s", model),
		Kind:    models.ErrorKindValidation,
	}
}

// Select returns the best candidate: the lowest-priority one whose provider
// is not in the failed set, or, when every candidate has failed, the
// lowest-priority failed one so the gateway still attempts upstream.
func (r *Router) Select(candidates []models.ProviderModel) *models.ProviderModel {
	if len(candidates) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpired()

	var available, fallback *models.ProviderModel
	for i := range candidates {
		c := &candidates[i]
		if _, down := r.failed[c.Provider]; down {
			if fallback == nil || c.Priority < fallback.Priority {
				fallback = c
			}
		} else if available == nil || c.Priority < available.Priority {
			available = c
		}
	}
	if available == nil {
		available = fallback
	}

	out := *available
	return &out
}

// NextProvider records a failure for failedProvider and re-selects from the
// alias's candidates.
func (r *Router) NextProvider(model, failedProvider string) *models.ProviderModel {
	r.MarkFailed(failedProvider)

	candidates, err := r.Resolve(model)
	if err != nil {
		return nil
	}
	return r.Select(candidates)
}

// MarkFailed records a provider failure at the current time.
func (r *Router) MarkFailed(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failed[provider] = r.now()
	if r.logger != nil {
		r.logger.Warn("Provider marked failed",
			zap.String("provider", provider),
			zap.Duration("ttl", r.failureTTL))
	}
}

// FailedProviders returns the providers currently in the failed set.
func (r *Router) FailedProviders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpired()

	names := make([]string, 0, len(r.failed))
	for name := range r.failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evictExpired lazily drops failure entries past the TTL. Caller holds r.mu.
func (r *Router) evictExpired() {
	now := r.now()
	for provider, at := range r.failed {
		if now.Sub(at) > r.failureTTL {
			delete(r.failed, provider)
		}
	}
}
