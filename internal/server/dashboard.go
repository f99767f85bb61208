package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftlock/llmgate/internal/models"
	"github.com/driftlock/llmgate/internal/ratelimit"
)

// providerStatus is one row of the dashboard status view.
type providerStatus struct {
	Enabled       bool             `json:"enabled"`
	Authenticated bool             `json:"authenticated"`
	TokenExpired  bool             `json:"token_expired"`
	Failed        bool             `json:"failed"`
	RateLimit     ratelimit.Status `json:"rate_limit"`
}

// handleDashboardStatus reports per-provider health as the gateway sees it.
func (s *Server) handleDashboardStatus(w http.ResponseWriter, r *http.Request) {
	failed := make(map[string]bool)
	for _, name := range s.gwRouter.FailedProviders() {
		failed[name] = true
	}

	statuses := make(map[string]providerStatus, len(s.config.Providers))
	for name, cfg := range s.config.Providers {
		_, hasToken := s.authMgr.Store().Get(name)
		statuses[name] = providerStatus{
			Enabled:       cfg.Enabled,
			Authenticated: hasToken,
			TokenExpired:  s.authMgr.Store().IsExpired(name),
			Failed:        failed[name],
			RateLimit:     s.limiter.GetStatus(name),
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"providers":      statuses,
	})
}

// maskedToken is a token row safe to show in a browser.
type maskedToken struct {
	AccessToken string `json:"access_token"`
	HasRefresh  bool   `json:"has_refresh"`
	ExpiresAt   int64  `json:"expires_at"`
	Expired     bool   `json:"expired"`
}

// handleDashboardTokens lists stored tokens with access tokens masked down
// to their last 8 characters.
func (s *Server) handleDashboardTokens(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]maskedToken)
	for provider, ts := range s.authMgr.Store().All() {
		out[provider] = maskedToken{
			AccessToken: maskToken(ts.AccessToken),
			HasRefresh:  ts.RefreshToken != "",
			ExpiresAt:   ts.ExpiresAt,
			Expired:     s.authMgr.Store().IsExpired(provider),
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// maskToken keeps only the trailing 8 characters visible.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "..." + token
	}
	return "..." + token[len(token)-8:]
}

// handleDashboardUsage reports the in-process usage counters.
func (s *Server) handleDashboardUsage(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.usage.Snapshot())
}

// handleDashboardModels lists aliases with their full candidate expansion.
func (s *Server) handleDashboardModels(w http.ResponseWriter, r *http.Request) {
	out := make([]models.ModelAlias, 0, len(s.config.ModelAliases))
	out = append(out, s.config.ModelAliases...)
	s.writeJSON(w, http.StatusOK, out)
}

// handleDeviceFlowStart begins OAuth device authorization for a provider.
func (s *Server) handleDeviceFlowStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	info, err := s.authMgr.InitiateDeviceFlow(r.Context(), provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleDeviceFlowComplete polls the token endpoint until the device is
// approved. This blocks for up to the device-flow budget.
func (s *Server) handleDeviceFlowComplete(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var body struct {
		DeviceCode string `json:"device_code"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil || body.DeviceCode == "" {
		s.writeJSON(w, http.StatusBadRequest, errorPayload("device_code is required"))
		return
	}

	ts, err := s.authMgr.CompleteDeviceFlow(r.Context(), provider, body.DeviceCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, maskedToken{
		AccessToken: maskToken(ts.AccessToken),
		HasRefresh:  ts.RefreshToken != "",
		ExpiresAt:   ts.ExpiresAt,
	})
}

// handleTokenRefresh forces a refresh of the provider's stored token.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	ts, err := s.authMgr.RefreshToken(r.Context(), provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, maskedToken{
		AccessToken: maskToken(ts.AccessToken),
		HasRefresh:  ts.RefreshToken != "",
		ExpiresAt:   ts.ExpiresAt,
	})
}

// handleTokenInsert stores a manually supplied token for a provider.
func (s *Server) handleTokenInsert(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil || body.AccessToken == "" {
		s.writeJSON(w, http.StatusBadRequest, errorPayload("access_token is required"))
		return
	}

	expiresAt := body.ExpiresAt
	if expiresAt == 0 {
		expiresAt = time.Now().Add(time.Hour).UnixMilli()
	}

	ts := models.TokenSet{
		Provider:     provider,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    expiresAt,
	}
	if err := s.authMgr.Store().Save(ts); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, maskedToken{
		AccessToken: maskToken(ts.AccessToken),
		HasRefresh:  ts.RefreshToken != "",
		ExpiresAt:   ts.ExpiresAt,
	})
}

// errorPayload builds a minimal canonical error body.
func errorPayload(message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "invalid_request_error",
			"code":    nil,
		},
	}
}
