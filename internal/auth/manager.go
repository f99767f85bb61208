package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/driftlock/llmgate/internal/models"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// devicePollInterval is the base cadence for device-flow token polling.
	devicePollInterval = 5 * time.Second

	// maxDevicePolls bounds the device-flow polling loop.
	maxDevicePolls = 120

	// defaultImportLifetime is assumed for imported tokens without an expiry.
	defaultImportLifetime = time.Hour

	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

var errAuthorizationPending = errors.New("authorization pending")

// DeviceFlowInfo is returned from a device-flow initiation.
type DeviceFlowInfo struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
}

// Manager owns the OAuth token lifecycle for every provider: device-flow
// acquisition, refresh on expiry, and file-sourced import. Concurrent
// refreshes for one provider coalesce into a single in-flight request.
type Manager struct {
	store     *Store
	providers map[string]models.ProviderConfig
	client    *http.Client
	logger    *zap.Logger

	refreshGroup singleflight.Group
	now          func() time.Time
	pollInterval time.Duration
	maxPolls     int
}

// NewManager creates a manager over the given provider configurations.
func NewManager(store *Store, providers map[string]models.ProviderConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:        store,
		providers:    providers,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		now:          time.Now,
		pollInterval: devicePollInterval,
		maxPolls:     maxDevicePolls,
	}
}

// Store exposes the underlying token store.
func (m *Manager) Store() *Store {
	return m.store
}

// deviceConfig validates that a provider can run the device flow.
func (m *Manager) deviceConfig(provider string) (models.ProviderConfig, error) {
	cfg, ok := m.providers[provider]
	if !ok {
		return cfg, authError(provider, fmt.Sprintf("provider %s is not configured", provider))
	}
	if !cfg.Enabled {
		return cfg, authError(provider, fmt.Sprintf("provider %s is disabled", provider))
	}
	if cfg.ClientID == "" {
		return cfg, authError(provider, fmt.Sprintf("provider %s has no client_id", provider))
	}
	return cfg, nil
}

// InitiateDeviceFlow starts the OAuth device flow for a provider.
func (m *Manager) InitiateDeviceFlow(ctx context.Context, provider string) (*DeviceFlowInfo, error) {
	cfg, err := m.deviceConfig(provider)
	if err != nil {
		return nil, err
	}
	if cfg.AuthEndpoint == "" {
		return nil, authError(provider, fmt.Sprintf("provider %s has no auth_endpoint", provider))
	}

	values := url.Values{}
	values.Set("client_id", cfg.ClientID)
	values.Set("scope", "openid offline_access")

	var payload struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		VerificationURL string `json:"verification_url"`
		ExpiresIn       int    `json:"expires_in"`
	}
	if err := m.postForm(ctx, cfg.AuthEndpoint, values, &payload); err != nil {
		return nil, err
	}

	verification := payload.VerificationURI
	if verification == "" {
		verification = payload.VerificationURL
	}

	m.logger.Info("Device flow initiated",
		zap.String("provider", provider),
		zap.String("user_code", payload.UserCode))

	return &DeviceFlowInfo{
		DeviceCode:      payload.DeviceCode,
		UserCode:        payload.UserCode,
		VerificationURL: verification,
		ExpiresIn:       payload.ExpiresIn,
	}, nil
}

// tokenEndpointResponse is the OAuth token endpoint payload, success or
// recognized polling error.
type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// CompleteDeviceFlow polls the token endpoint until the user approves the
// device, the flow is denied or expires, or the poll budget runs out. A
// slow_down response doubles the interval for subsequent polls.
func (m *Manager) CompleteDeviceFlow(ctx context.Context, provider, deviceCode string) (*models.TokenSet, error) {
	cfg, err := m.deviceConfig(provider)
	if err != nil {
		return nil, err
	}
	if cfg.TokenEndpoint == "" {
		return nil, authError(provider, fmt.Sprintf("provider %s has no token_endpoint", provider))
	}

	values := url.Values{}
	values.Set("client_id", cfg.ClientID)
	values.Set("device_code", deviceCode)
	values.Set("grant_type", deviceGrantType)

	interval := m.pollInterval
	polls := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		polls++
		if polls >= m.maxPolls {
			return 0, true
		}
		return interval, false
	})

	var tokenSet *models.TokenSet
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var payload tokenEndpointResponse
		if err := m.postForm(ctx, cfg.TokenEndpoint, values, &payload); err != nil {
			return err
		}

		switch payload.Error {
		case "":
		case "authorization_pending":
			return retry.RetryableError(errAuthorizationPending)
		case "slow_down":
			interval *= 2
			return retry.RetryableError(errAuthorizationPending)
		case "expired_token":
			return authError(provider, "device code expired; restart authentication")
		case "access_denied":
			return authError(provider, "authorization was denied")
		default:
			return authError(provider, fmt.Sprintf("token endpoint error: %s", payload.Error))
		}

		if payload.AccessToken == "" {
			return authError(provider, "token endpoint returned no access token")
		}

		tokenSet = m.tokenSetFrom(provider, payload, "")
		return nil
	})
	if err != nil {
		if errors.Is(err, errAuthorizationPending) {
			return nil, authError(provider, "device authorization was not completed in time")
		}
		return nil, err
	}

	if err := m.store.Save(*tokenSet); err != nil {
		return nil, err
	}

	m.logger.Info("Device flow completed", zap.String("provider", provider))
	return tokenSet, nil
}

// RefreshToken exchanges the stored refresh token for a new token set. A
// refresh failure deletes the stored entry, forcing re-authentication.
func (m *Manager) RefreshToken(ctx context.Context, provider string) (*models.TokenSet, error) {
	cfg, ok := m.providers[provider]
	if !ok || cfg.TokenEndpoint == "" {
		return nil, authError(provider, fmt.Sprintf("provider %s has no token_endpoint", provider))
	}

	stored, ok := m.store.Get(provider)
	if !ok {
		return nil, authError(provider, fmt.Sprintf("no token stored for provider %s", provider))
	}
	if stored.RefreshToken == "" {
		return nil, authError(provider, fmt.Sprintf("no refresh token stored for provider %s", provider))
	}

	values := url.Values{}
	values.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		values.Set("client_secret", cfg.ClientSecret)
	}
	values.Set("refresh_token", stored.RefreshToken)
	values.Set("grant_type", "refresh_token")

	var payload tokenEndpointResponse
	err := m.postForm(ctx, cfg.TokenEndpoint, values, &payload)
	if err == nil && payload.Error != "" {
		err = authError(provider, fmt.Sprintf("refresh failed: %s", payload.Error))
	}
	if err == nil && payload.AccessToken == "" {
		err = authError(provider, "refresh returned no access token")
	}
	if err != nil {
		// A failed refresh clears state so the next attempt re-authenticates.
		if delErr := m.store.Delete(provider); delErr != nil {
			m.logger.Error("Failed to delete token after refresh failure",
				zap.String("provider", provider), zap.Error(delErr))
		}
		m.logger.Warn("Token refresh failed, stored token deleted",
			zap.String("provider", provider), zap.Error(err))
		return nil, err
	}

	tokenSet := m.tokenSetFrom(provider, payload, stored.RefreshToken)
	if err := m.store.Save(*tokenSet); err != nil {
		return nil, err
	}

	m.logger.Info("Token refreshed", zap.String("provider", provider))
	return tokenSet, nil
}

// GetValidToken returns a non-expired token for the provider, refreshing it
// first when possible. Concurrent callers observing the same expiry share
// one in-flight refresh.
func (m *Manager) GetValidToken(ctx context.Context, provider string) (*models.TokenSet, error) {
	stored, ok := m.store.Get(provider)
	if !ok {
		return nil, authError(provider, fmt.Sprintf("no token for provider %s; authenticate first", provider))
	}

	if m.now().UnixMilli() < stored.ExpiresAt {
		return &stored, nil
	}

	if stored.RefreshToken == "" {
		return nil, authError(provider, fmt.Sprintf("token for provider %s expired; re-authenticate", provider))
	}

	v, err, _ := m.refreshGroup.Do(provider, func() (interface{}, error) {
		// Another caller may have completed the refresh while this one
		// waited on the flight.
		if cur, ok := m.store.Get(provider); ok && m.now().UnixMilli() < cur.ExpiresAt {
			return &cur, nil
		}
		return m.RefreshToken(ctx, provider)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.TokenSet), nil
}

// DeleteToken removes the provider's stored token.
func (m *Manager) DeleteToken(provider string) error {
	return m.store.Delete(provider)
}

// filePayload accepts token files in snake_case or camelCase.
type filePayload struct {
	AccessToken       string `json:"access_token"`
	AccessTokenCamel  string `json:"accessToken"`
	RefreshToken      string `json:"refresh_token"`
	RefreshTokenCamel string `json:"refreshToken"`
	ExpiresAt         int64  `json:"expires_at"`
	ExpiresAtCamel    int64  `json:"expiresAt"`
}

// SyncFromFile imports a token set from a JSON file. Failures are logged and
// swallowed; the import must never take down the watcher.
func (m *Manager) SyncFromFile(path, provider string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		m.logger.Warn("Token file sync: read failed",
			zap.String("path", path), zap.Error(err))
		return
	}

	var payload filePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.logger.Warn("Token file sync: malformed JSON",
			zap.String("path", path), zap.Error(err))
		return
	}

	access := payload.AccessToken
	if access == "" {
		access = payload.AccessTokenCamel
	}
	if access == "" {
		m.logger.Warn("Token file sync: no access token",
			zap.String("path", path))
		return
	}

	refresh := payload.RefreshToken
	if refresh == "" {
		refresh = payload.RefreshTokenCamel
	}

	expiresAt := payload.ExpiresAt
	if expiresAt == 0 {
		expiresAt = payload.ExpiresAtCamel
	}
	if expiresAt == 0 {
		expiresAt = m.now().Add(defaultImportLifetime).UnixMilli()
	}
	if m.now().UnixMilli() >= expiresAt {
		m.logger.Warn("Token file sync: token already expired, refusing import",
			zap.String("path", path), zap.String("provider", provider))
		return
	}

	ts := models.TokenSet{
		Provider:     provider,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}
	if err := m.store.Save(ts); err != nil {
		m.logger.Warn("Token file sync: save failed",
			zap.String("provider", provider), zap.Error(err))
		return
	}

	m.logger.Info("Token imported from file",
		zap.String("provider", provider), zap.String("path", path))
}

// tokenSetFrom assembles a TokenSet from a token endpoint payload, retaining
// the previous refresh token when the endpoint omits one.
func (m *Manager) tokenSetFrom(provider string, payload tokenEndpointResponse, previousRefresh string) *models.TokenSet {
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int(defaultImportLifetime.Seconds())
	}

	refresh := payload.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}

	return &models.TokenSet{
		Provider:     provider,
		AccessToken:  payload.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    m.now().Add(time.Duration(expiresIn) * time.Second).UnixMilli(),
	}
}

// postForm sends a form-encoded POST and decodes the JSON response into out.
// Non-2xx responses decode into out when they carry a JSON body with a
// recognized error field; anything else is fatal.
func (m *Manager) postForm(ctx context.Context, endpoint string, values url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("decode auth response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if ter, ok := out.(*tokenEndpointResponse); ok && ter.Error != "" {
			return nil
		}
		return fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

// authError builds a non-retryable auth-kind error.
func authError(provider, message string) *models.ProviderError {
	return &models.ProviderError{
		Provider: provider,
		Message:  message,
		Kind:     models.ErrorKindAuth,
	}
}
