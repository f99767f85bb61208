package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftlock/llmgate/internal/models"
)

func testTokenSet(provider string) models.TokenSet {
	return models.TokenSet{
		Provider:     provider,
		AccessToken:  "access-" + provider,
		RefreshToken: "refresh-" + provider,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := NewStore(path, zap.NewNop())

	want := testTokenSet("openai")
	require.NoError(t, s.Save(want))

	got, ok := s.Get("openai")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "tokens.json")

	s1 := NewStore(path, zap.NewNop())
	want := testTokenSet("gemini")
	require.NoError(t, s1.Save(want))

	// A fresh instance pointing at the same file sees the same data.
	s2 := NewStore(path, zap.NewNop())
	got, ok := s2.Get("gemini")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestPersistedFileIsPrettyPrintedProviderMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := NewStore(path, zap.NewNop())
	require.NoError(t, s.Save(testTokenSet("openai")))
	require.NoError(t, s.Save(testTokenSet("gemini")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "  \"openai\"")

	var onDisk map[string]models.TokenSet
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Len(t, onDisk, 2)
}

func TestMissingFileStartsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"), zap.NewNop())

	_, ok := s.Get("openai")
	assert.False(t, ok)
	assert.Empty(t, s.All())
}

func TestMalformedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := NewStore(path, zap.NewNop())
	_, ok := s.Get("openai")
	assert.False(t, ok)

	// The store stays usable.
	require.NoError(t, s.Save(testTokenSet("openai")))
	_, ok = s.Get("openai")
	assert.True(t, ok)
}

func TestDeleteRemovesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := NewStore(path, zap.NewNop())
	require.NoError(t, s.Save(testTokenSet("openai")))
	require.NoError(t, s.Delete("openai"))

	s2 := NewStore(path, zap.NewNop())
	_, ok := s2.Get("openai")
	assert.False(t, ok)
}

func TestAllReturnsSnapshot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "tokens.json"), zap.NewNop())
	require.NoError(t, s.Save(testTokenSet("openai")))

	snapshot := s.All()
	snapshot["openai"] = models.TokenSet{AccessToken: "mutated"}

	got, ok := s.Get("openai")
	require.True(t, ok)
	assert.NotEqual(t, "mutated", got.AccessToken)
}

func TestIsExpired(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "tokens.json"), zap.NewNop())

	assert.True(t, s.IsExpired("absent"))

	fresh := testTokenSet("fresh")
	require.NoError(t, s.Save(fresh))
	assert.False(t, s.IsExpired("fresh"))

	stale := testTokenSet("stale")
	stale.ExpiresAt = time.Now().Add(-time.Second).UnixMilli()
	require.NoError(t, s.Save(stale))
	assert.True(t, s.IsExpired("stale"))
}
