package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestProviderForPath(t *testing.T) {
	assert.Equal(t, "openai", ProviderForPath("/tmp/openai-token.json"))
	assert.Equal(t, "gemini", ProviderForPath("/tmp/gemini.json"))
	assert.Equal(t, "gemini", ProviderForPath("/home/x/google-creds.json"))
	assert.Equal(t, "openai", ProviderForPath("/tmp/whatever.json"))
}

func TestWatcherImportsOnFileCreate(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t, nil)
	w := NewWatcher(m, zap.NewNop())
	w.debounce = 20 * time.Millisecond

	dir := t.TempDir()
	path := filepath.Join(dir, "openai-token.json")

	require.NoError(t, w.Start([]string{path}))
	defer w.Stop()

	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, os.WriteFile(path, []byte(
		`{"access_token": "watched-access", "expires_at": `+jsonInt(future)+`}`), 0o600))

	require.Eventually(t, func() bool {
		ts, ok := m.store.Get("openai")
		return ok && ts.AccessToken == "watched-access"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherDebouncesRapidWrites(t *testing.T) {
	m := newTestManager(t, nil)
	w := NewWatcher(m, zap.NewNop())
	w.debounce = 100 * time.Millisecond

	dir := t.TempDir()
	path := filepath.Join(dir, "openai-token.json")

	require.NoError(t, w.Start([]string{path}))
	defer w.Stop()

	// A burst of partial writes; only the settled content is imported.
	require.NoError(t, os.WriteFile(path, []byte(`{"access_`), 0o600))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token": "partial`), 0o600))
	time.Sleep(10 * time.Millisecond)
	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, os.WriteFile(path, []byte(
		`{"access_token": "settled", "expires_at": `+jsonInt(future)+`}`), 0o600))

	require.Eventually(t, func() bool {
		ts, ok := m.store.Get("openai")
		return ok && ts.AccessToken == "settled"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherStartIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t, nil)
	w := NewWatcher(m, zap.NewNop())

	path := filepath.Join(t.TempDir(), "openai.json")
	require.NoError(t, w.Start([]string{path}))
	require.NoError(t, w.Start([]string{path}))

	w.Stop()
	w.Stop()
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	m := newTestManager(t, nil)
	w := NewWatcher(m, zap.NewNop())
	w.debounce = 20 * time.Millisecond

	dir := t.TempDir()
	watched := filepath.Join(dir, "openai-token.json")
	unrelated := filepath.Join(dir, "scratch.json")

	require.NoError(t, w.Start([]string{watched}))
	defer w.Stop()

	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, os.WriteFile(unrelated, []byte(
		`{"access_token": "unrelated", "expires_at": `+jsonInt(future)+`}`), 0o600))

	time.Sleep(100 * time.Millisecond)
	_, ok := m.store.Get("openai")
	assert.False(t, ok)
}
