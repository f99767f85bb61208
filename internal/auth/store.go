package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftlock/llmgate/internal/models"
	"go.uber.org/zap"
)

// Store persists one TokenSet per provider in a single JSON file. Loading is
// lazy on first operation; a missing file starts an empty store, and
// unreadable content starts an empty store with a warning.
type Store struct {
	mu     sync.Mutex
	path   string
	loaded bool
	tokens map[string]models.TokenSet
	now    func() time.Time
	logger *zap.Logger
}

// NewStore creates a store backed by the given file path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		now:    time.Now,
		logger: logger,
	}
}

// Save replaces the provider's entry and persists the whole map. The write
// is durable once Save returns.
func (s *Store) Save(ts models.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.load()
	s.tokens[ts.Provider] = ts
	return s.persist()
}

// Get returns the provider's token set, if present.
func (s *Store) Get(provider string) (models.TokenSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.load()
	ts, ok := s.tokens[provider]
	return ts, ok
}

// Delete removes the provider's entry and persists.
func (s *Store) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.load()
	if _, ok := s.tokens[provider]; !ok {
		return nil
	}
	delete(s.tokens, provider)
	return s.persist()
}

// All returns a snapshot of every stored token set.
func (s *Store) All() map[string]models.TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.load()
	snapshot := make(map[string]models.TokenSet, len(s.tokens))
	for provider, ts := range s.tokens {
		snapshot[provider] = ts
	}
	return snapshot
}

// IsExpired reports whether the provider's token is absent or past its
// expiry deadline.
func (s *Store) IsExpired(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.load()
	ts, ok := s.tokens[provider]
	if !ok {
		return true
	}
	return s.now().UnixMilli() >= ts.ExpiresAt
}

// load reads the backing file once. Caller holds s.mu.
func (s *Store) load() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.tokens = make(map[string]models.TokenSet)

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && s.logger != nil {
			s.logger.Warn("Failed to read token store, starting empty",
				zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	var tokens map[string]models.TokenSet
	if err := json.Unmarshal(raw, &tokens); err != nil {
		if s.logger != nil {
			s.logger.Warn("Malformed token store, starting empty",
				zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	for provider, ts := range tokens {
		ts.Provider = provider
		s.tokens[provider] = ts
	}
}

// persist writes the full map atomically: marshal, write to a temp file in
// the same directory, then rename over the target. Caller holds s.mu.
func (s *Store) persist() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, s.path)
}
