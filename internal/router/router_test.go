package router

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftlock/llmgate/internal/models"
)

func testAliases() []models.ModelAlias {
	return []models.ModelAlias{
		{
			Alias: "gpt-4",
			Providers: []models.ProviderModel{
				{Provider: "gemini", Model: "gemini-1.5-pro", Priority: 2},
				{Provider: "openai", Model: "gpt-4", Priority: 1},
			},
		},
		{
			Alias: "fast",
			Providers: []models.ProviderModel{
				{Provider: "openai", Model: "gpt-3.5-turbo", Priority: 1},
			},
		},
	}
}

func TestResolveSortsByPriority(t *testing.T) {
	r := New(testAliases(), zap.NewNop())

	candidates, err := r.Resolve("gpt-4")
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.True(t, sort.SliceIsSorted(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	}))
	assert.Equal(t, "openai", candidates[0].Provider)
	assert.Equal(t, "gemini", candidates[1].Provider)
}

func TestResolveProviderSlashModel(t *testing.T) {
	r := New(nil, zap.NewNop())

	candidates, err := r.Resolve("openai/gpt-4o")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "openai", candidates[0].Provider)
	assert.Equal(t, "gpt-4o", candidates[0].Model)
	assert.Equal(t, 0, candidates[0].Priority)
}

func TestResolveUnknownModelFails(t *testing.T) {
	r := New(testAliases(), zap.NewNop())

	_, err := r.Resolve("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown model")

	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.ErrorKindValidation, perr.Kind)
}

func TestSelectPrefersAvailableCandidate(t *testing.T) {
	r := New(testAliases(), zap.NewNop())
	candidates, err := r.Resolve("gpt-4")
	require.NoError(t, err)

	// Nothing failed: lowest priority wins.
	selected := r.Select(candidates)
	require.NotNil(t, selected)
	assert.Equal(t, "openai", selected.Provider)

	// Preferred provider failed: the other one wins.
	r.MarkFailed("openai")
	selected = r.Select(candidates)
	require.NotNil(t, selected)
	assert.Equal(t, "gemini", selected.Provider)
}

func TestSelectAllFailedReturnsLowestPriority(t *testing.T) {
	r := New(testAliases(), zap.NewNop())
	candidates, err := r.Resolve("gpt-4")
	require.NoError(t, err)

	r.MarkFailed("openai")
	r.MarkFailed("gemini")

	// Graceful degradation: the gateway still attempts upstream.
	selected := r.Select(candidates)
	require.NotNil(t, selected)
	assert.Equal(t, "openai", selected.Provider)
}

func TestSelectEmptyCandidates(t *testing.T) {
	r := New(nil, zap.NewNop())
	assert.Nil(t, r.Select(nil))
}

func TestNextProviderSkipsFailedProvider(t *testing.T) {
	r := New(testAliases(), zap.NewNop())

	selected := r.NextProvider("gpt-4", "openai")
	require.NotNil(t, selected)
	assert.NotEqual(t, "openai", selected.Provider)
	assert.Equal(t, "gemini", selected.Provider)
}

func TestFailureEntriesExpireAfterTTL(t *testing.T) {
	r := New(testAliases(), zap.NewNop())

	base := time.Now()
	r.now = func() time.Time { return base }
	r.MarkFailed("openai")

	assert.Equal(t, []string{"openai"}, r.FailedProviders())

	candidates, err := r.Resolve("gpt-4")
	require.NoError(t, err)

	// Within TTL the failure still counts.
	r.now = func() time.Time { return base.Add(30 * time.Second) }
	selected := r.Select(candidates)
	require.NotNil(t, selected)
	assert.Equal(t, "gemini", selected.Provider)

	// Past TTL the entry is lazily evicted on read.
	r.now = func() time.Time { return base.Add(61 * time.Second) }
	selected = r.Select(candidates)
	require.NotNil(t, selected)
	assert.Equal(t, "openai", selected.Provider)
	assert.Empty(t, r.FailedProviders())
}
