package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlock/llmgate/internal/auth"
	"github.com/driftlock/llmgate/internal/models"
	v1 "github.com/driftlock/llmgate/pkg/api/v1"
)

func strp(s string) *string { return &s }

// testConfig builds a minimal config routing the gpt-4 alias to the given
// upstream endpoints.
func testConfig(t *testing.T, openaiURL, geminiURL string) *Config {
	t.Helper()

	cfg := &Config{}
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Gateway.ShutdownTimeout = time.Second
	cfg.Auth.TokenStorePath = filepath.Join(t.TempDir(), "tokens.json")
	cfg.Observability.Logging.Level = "error"
	cfg.Observability.Logging.Development = true

	cfg.Providers = map[string]models.ProviderConfig{}
	aliasProviders := []models.ProviderModel{}
	if openaiURL != "" {
		cfg.Providers["openai"] = models.ProviderConfig{Enabled: true, APIEndpoint: openaiURL}
		aliasProviders = append(aliasProviders, models.ProviderModel{Provider: "openai", Model: "gpt-4", Priority: 1})
	}
	if geminiURL != "" {
		cfg.Providers["gemini"] = models.ProviderConfig{Enabled: true, APIEndpoint: geminiURL}
		aliasProviders = append(aliasProviders, models.ProviderModel{Provider: "gemini", Model: "gemini-1.5-pro", Priority: 2})
	}
	cfg.ModelAliases = []models.ModelAlias{{Alias: "gpt-4", Providers: aliasProviders}}

	return cfg
}

// seedToken writes a valid token for the provider into the configured store.
func seedToken(t *testing.T, cfg *Config, provider, token string, expiresAt int64) {
	t.Helper()
	store := auth.NewStore(cfg.Auth.TokenStorePath, nil)
	require.NoError(t, store.Save(models.TokenSet{
		Provider:    provider,
		AccessToken: token,
		ExpiresAt:   expiresAt,
	}))
}

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.limiter.Dispose() })
	return s
}

func openAIUpstream(t *testing.T, wantAuth string, content string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" {
			assert.Equal(t, wantAuth, r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "cmpl-up",
			"model": "gpt-4",
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
}

func TestNonLoopbackHostRefused(t *testing.T) {
	for _, host := range []string{"0.0.0.0", "192.168.1.10", "example.com"} {
		cfg := testConfig(t, "http://127.0.0.1:1", "")
		cfg.Gateway.Host = host
		_, err := NewServer(cfg)
		require.Error(t, err, "host %s", host)
		assert.Contains(t, err.Error(), "loopback")
	}

	for _, host := range []string{"localhost", "127.0.0.1", "::1", ""} {
		cfg := testConfig(t, "http://127.0.0.1:1", "")
		cfg.Gateway.Host = host
		_, err := NewServer(cfg)
		assert.NoError(t, err, "host %s", host)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(t, "http://127.0.0.1:1", ""))

	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestChatCompletionHappyPath(t *testing.T) {
	upstream := openAIUpstream(t, "Bearer tok-openai", "Hello")
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL, "")
	seedToken(t, cfg, "openai", "tok-openai", time.Now().Add(time.Hour).UnixMilli())
	s := newTestServer(t, cfg)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp v1.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, "Hello", *resp.Choices[0].Message.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestChatCompletionStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"index":0,"delta":{"content":"Hello"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"index":0,"delta":{"content":" world"},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL, "")
	seedToken(t, cfg, "openai", "tok-openai", time.Now().Add(time.Hour).UnixMilli())
	s := newTestServer(t, cfg)

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"Hi"}]}`
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	raw := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(raw, "\n\n"), "\n\n")
	require.GreaterOrEqual(t, len(frames), 3)
	for _, frame := range frames {
		assert.True(t, strings.HasPrefix(frame, "data: "), frame)
	}
	assert.Equal(t, "data: [DONE]", frames[len(frames)-1])
	assert.Contains(t, raw, `"content":"Hello"`)
	assert.Contains(t, raw, `"content":" world"`)
}

func TestChatCompletionFallbackToGemini(t *testing.T) {
	openaiUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer openaiUp.Close()

	geminiUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{{
				"content":      map[string]interface{}{"parts": []map[string]string{{"text": "from gemini"}}},
				"finishReason": "STOP",
			}},
		})
	}))
	defer geminiUp.Close()

	cfg := testConfig(t, openaiUp.URL, geminiUp.URL)
	now := time.Now().Add(time.Hour).UnixMilli()
	seedToken(t, cfg, "openai", "tok-openai", now)
	store := auth.NewStore(cfg.Auth.TokenStorePath, nil)
	require.NoError(t, store.Save(models.TokenSet{Provider: "gemini", AccessToken: "tok-gemini", ExpiresAt: now}))
	s := newTestServer(t, cfg)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "from gemini")
}

func TestChatCompletionAllProvidersDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	cfg := testConfig(t, down.URL, down.URL)
	now := time.Now().Add(time.Hour).UnixMilli()
	seedToken(t, cfg, "openai", "tok-openai", now)
	store := auth.NewStore(cfg.Auth.TokenStorePath, nil)
	require.NoError(t, store.Save(models.TokenSet{Provider: "gemini", AccessToken: "tok-gemini", ExpiresAt: now}))
	s := newTestServer(t, cfg)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "server_error", errResp.Error.Type)
}

func TestChatCompletionValidationError(t *testing.T) {
	s := newTestServer(t, testConfig(t, "http://127.0.0.1:1", ""))

	body := `{"messages":[{"role":"user","content":"x"}]}`
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_request_error", errResp.Error.Type)
}

func TestExpiredTokenIsRefreshedBeforeUpstreamCall(t *testing.T) {
	upstream := openAIUpstream(t, "Bearer refreshed-access", "Hello")
	defer upstream.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "refreshed-access",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	cfg := testConfig(t, upstream.URL, "")
	cfg.Providers["openai"] = models.ProviderConfig{
		Enabled:       true,
		APIEndpoint:   upstream.URL,
		ClientID:      "cid",
		TokenEndpoint: tokenSrv.URL,
	}

	store := auth.NewStore(cfg.Auth.TokenStorePath, nil)
	require.NoError(t, store.Save(models.TokenSet{
		Provider:     "openai",
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Second).UnixMilli(),
	}))
	s := newTestServer(t, cfg)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Hello")
}

func TestModelsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(t, "http://127.0.0.1:1", ""))

	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp v1.ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "gpt-4", resp.Data[0].ID)
	assert.Equal(t, "model", resp.Data[0].Object)
	assert.Equal(t, "llm-gateway", resp.Data[0].OwnedBy)
}

func TestUnknownRouteReturnsCanonicalError(t *testing.T) {
	s := newTestServer(t, testConfig(t, "http://127.0.0.1:1", ""))

	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_request_error", errResp.Error.Type)
}

func TestDashboardTokensAreMasked(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "")
	seedToken(t, cfg, "openai", "sk-verysecretaccesstoken-tail8chr", time.Now().Add(time.Hour).UnixMilli())
	s := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/tokens", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "...tail8chr", resp["openai"].AccessToken)
	assert.NotContains(t, rec.Body.String(), "verysecret")
}

func TestDashboardUsageAfterRequests(t *testing.T) {
	upstream := openAIUpstream(t, "", "Hello")
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL, "")
	seedToken(t, cfg, "openai", "tok", time.Now().Add(time.Hour).UnixMilli())
	s := newTestServer(t, cfg)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot map[string]map[string]struct {
		Requests    int64 `json:"requests"`
		TotalTokens int64 `json:"total_tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, int64(1), snapshot["openai"]["gpt-4"].Requests)
	assert.Equal(t, int64(15), snapshot["openai"]["gpt-4"].TotalTokens)
}

func TestDashboardManualTokenInsert(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "")
	s := newTestServer(t, cfg)

	body := `{"access_token":"manually-inserted"}`
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/dashboard/tokens/openai", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	ts, ok := s.authMgr.Store().Get("openai")
	require.True(t, ok)
	assert.Equal(t, "manually-inserted", ts.AccessToken)
	assert.Greater(t, ts.ExpiresAt, time.Now().UnixMilli())
}
