package models

import (
	"fmt"

	v1 "github.com/driftlock/llmgate/pkg/api/v1"
)

// TokenSet holds one provider's OAuth credentials. ExpiresAt is the absolute
// wall-clock deadline in milliseconds.
type TokenSet struct {
	Provider     string `json:"provider"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
}

// ProviderConfig describes one upstream provider. Immutable after load.
type ProviderConfig struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled"`
	ClientID      string `mapstructure:"client_id" json:"client_id,omitempty"`
	ClientSecret  string `mapstructure:"client_secret" json:"-"`
	AuthEndpoint  string `mapstructure:"auth_endpoint" json:"auth_endpoint,omitempty"`
	TokenEndpoint string `mapstructure:"token_endpoint" json:"token_endpoint,omitempty"`
	APIEndpoint   string `mapstructure:"api_endpoint" json:"api_endpoint"`
}

// ProviderModel is one candidate from a model alias expansion. Lower
// priority value means preferred.
type ProviderModel struct {
	Provider string `mapstructure:"provider" json:"provider"`
	Model    string `mapstructure:"model" json:"model"`
	Priority int    `mapstructure:"priority" json:"priority"`
}

// ModelAlias maps a client-visible model identifier to prioritized
// provider/model candidates. Immutable after load.
type ModelAlias struct {
	Alias     string          `mapstructure:"alias" json:"alias"`
	Providers []ProviderModel `mapstructure:"providers" json:"providers"`
}

// RateLimitConfig caps one provider's admission rate. Immutable after load.
type RateLimitConfig struct {
	Provider          string `mapstructure:"provider" json:"provider"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" json:"requests_per_minute"`
	MaxQueueSize      int    `mapstructure:"max_queue_size" json:"max_queue_size"`
}

// ErrorKind classifies a provider failure for retry and wire mapping.
type ErrorKind string

const (
	ErrorKindAuth               ErrorKind = "auth"
	ErrorKindRateLimit          ErrorKind = "rate_limit"
	ErrorKindServiceUnavailable ErrorKind = "service_unavailable"
	ErrorKindInvalidRequest     ErrorKind = "invalid_request"
	ErrorKindValidation         ErrorKind = "validation"
	ErrorKindUnknown            ErrorKind = "unknown"
)

// ProviderError is a classified failure from an upstream provider or one of
// the gateway's own admission layers.
type ProviderError struct {
	Provider   string    `json:"provider,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Kind       ErrorKind `json:"kind"`
	Retryable  bool      `json:"retryable"`
	Err        error     `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an upstream HTTP status to an error kind and whether a
// fallback attempt on another provider is permitted.
func ClassifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == 401 || status == 403:
		return ErrorKindAuth, false
	case status == 429:
		return ErrorKindRateLimit, true
	case status >= 500:
		return ErrorKindServiceUnavailable, true
	case status == 400:
		return ErrorKindInvalidRequest, false
	default:
		return ErrorKindUnknown, false
	}
}

// NewStatusError builds a ProviderError from an upstream HTTP status.
func NewStatusError(provider string, status int, message string) *ProviderError {
	kind, retryable := ClassifyStatus(status)
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Kind:       kind,
		Retryable:  retryable,
	}
}

// NewTransportError wraps a network-level failure as a retryable
// service_unavailable error.
func NewTransportError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Message:   err.Error(),
		Kind:      ErrorKindServiceUnavailable,
		Retryable: true,
		Err:       err,
	}
}

// ProviderRequest is the dispatcher-assembled request handed to an adapter:
// the canonical request rewritten to the provider's concrete model name and
// carrying the bearer token to send upstream.
type ProviderRequest struct {
	Model       string
	Request     v1.ChatCompletionRequest
	AccessToken string
}

// ProviderResponse is a single-shot completion result before normalization.
type ProviderResponse struct {
	Message      v1.Message
	FinishReason string
	Usage        v1.Usage
}

// ProviderStreamChunk is one upstream stream fragment before normalization.
// FinishReason is nil until the final chunk.
type ProviderStreamChunk struct {
	Delta        v1.Delta
	FinishReason *string
}
