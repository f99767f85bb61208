package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/driftlock/llmgate/internal/models"
	v1 "github.com/driftlock/llmgate/pkg/api/v1"
	"go.uber.org/zap"
)

// OpenAIAdapter speaks the OpenAI Chat Completions wire format. The canonical
// request is a near-identity passthrough.
type OpenAIAdapter struct {
	name     string
	endpoint string
	client   *http.Client
	agents   *UserAgentPool
	logger   *zap.Logger
}

// NewOpenAIAdapter creates an adapter for an OpenAI-shaped provider.
func NewOpenAIAdapter(name string, config models.ProviderConfig, agents *UserAgentPool, logger *zap.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		name:     name,
		endpoint: strings.TrimSuffix(config.APIEndpoint, "/"),
		client:   newUpstreamClient(),
		agents:   agents,
		logger:   logger,
	}
}

// Name returns the provider name.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// openAIResponse is the upstream completion envelope.
type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      v1.Message `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage v1.Usage `json:"usage"`
}

// openAIStreamChunk is one upstream SSE fragment.
type openAIStreamChunk struct {
	Choices []struct {
		Index        int      `json:"index"`
		Delta        v1.Delta `json:"delta"`
		FinishReason *string  `json:"finish_reason"`
	} `json:"choices"`
}

// openAIErrorBody is the error envelope upstream returns on non-2xx.
type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call performs a single-shot completion.
func (a *OpenAIAdapter) Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error) {
	resp, err := a.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var upstream openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&upstream); err != nil {
		return nil, models.NewTransportError(a.name, fmt.Errorf("decode response: %w", err))
	}

	if len(upstream.Choices) == 0 {
		return nil, &models.ProviderError{
			Provider:  a.name,
			Message:   "upstream response contained no choices",
			Kind:      models.ErrorKindServiceUnavailable,
			Retryable: true,
		}
	}

	choice := upstream.Choices[0]
	return &models.ProviderResponse{
		Message:      choice.Message,
		FinishReason: choice.FinishReason,
		Usage:        upstream.Usage,
	}, nil
}

// Stream performs a streaming completion. The stream ends on the
// "data: [DONE]" sentinel.
func (a *OpenAIAdapter) Stream(ctx context.Context, req models.ProviderRequest) (<-chan models.ProviderStreamChunk, <-chan error) {
	chunks := make(chan models.ProviderStreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := a.send(ctx, req, true)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		err = scanSSE(resp.Body, func(data string) bool {
			if data == "[DONE]" {
				return false
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Malformed lines are skipped, not fatal.
				return true
			}
			if len(chunk.Choices) == 0 {
				return true
			}

			out := models.ProviderStreamChunk{
				Delta:        chunk.Choices[0].Delta,
				FinishReason: chunk.Choices[0].FinishReason,
			}

			select {
			case chunks <- out:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			errs <- models.NewTransportError(a.name, err)
		}
	}()

	return chunks, errs
}

// send issues the upstream request and classifies HTTP-level failures.
func (a *OpenAIAdapter) send(ctx context.Context, req models.ProviderRequest, stream bool) (*http.Response, error) {
	payload := req.Request
	payload.Model = req.Model
	payload.Stream = stream

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewTransportError(a.name, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewTransportError(a.name, fmt.Errorf("create request: %w", err))
	}

	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", a.agents.Next())

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, models.NewTransportError(a.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, a.statusError(resp)
	}

	return resp, nil
}

// statusError builds a classified error from a non-2xx upstream response.
func (a *OpenAIAdapter) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))

	message := strings.TrimSpace(string(raw))
	var parsed openAIErrorBody
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}

	a.logger.Warn("Upstream error",
		zap.String("provider", a.name),
		zap.Int("status", resp.StatusCode))

	return models.NewStatusError(a.name, resp.StatusCode, message)
}
