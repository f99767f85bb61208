package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/driftlock/llmgate/internal/auth"
	"github.com/driftlock/llmgate/internal/models"
	"github.com/driftlock/llmgate/internal/normalize"
	"github.com/driftlock/llmgate/internal/providers"
	"github.com/driftlock/llmgate/internal/ratelimit"
	"github.com/driftlock/llmgate/internal/router"
	"github.com/driftlock/llmgate/internal/usage"
	v1 "github.com/driftlock/llmgate/pkg/api/v1"
	"go.uber.org/zap"
)

// defaultMaxRetries caps dispatch attempts across provider candidates.
const defaultMaxRetries = 3

// MetricsRecorder receives dispatch observations. May be nil.
type MetricsRecorder interface {
	RecordProviderLatency(provider, model string, duration time.Duration)
	RecordProviderError(provider, kind string)
	RecordFallback(model, failedProvider string)
}

// Dispatcher orchestrates one request through admission, auth, the provider
// adapter, and normalization, falling over to the next candidate on
// retryable failures. It owns no state of its own.
type Dispatcher struct {
	router     *router.Router
	limiter    *ratelimit.Limiter
	auth       *auth.Manager
	adapters   *providers.Registry
	usage      *usage.Tracker
	metrics    MetricsRecorder
	logger     *zap.Logger
	maxRetries int
}

// New creates a dispatcher over the long-lived components.
func New(r *router.Router, l *ratelimit.Limiter, a *auth.Manager, reg *providers.Registry, u *usage.Tracker, metrics MetricsRecorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		router:     r,
		limiter:    l,
		auth:       a,
		adapters:   reg,
		usage:      u,
		metrics:    metrics,
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
}

// ParseRequest decodes and validates a request body.
func (d *Dispatcher) ParseRequest(body []byte) (*v1.ChatCompletionRequest, error) {
	var req v1.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, validationError("request body must be a JSON object")
	}

	if req.Model == "" {
		return nil, validationError("model is required and must be a non-empty string")
	}
	if len(req.Messages) == 0 {
		return nil, validationError("messages is required and must be a non-empty array")
	}
	for _, msg := range req.Messages {
		if msg.Role == "" {
			return nil, validationError("every message must have a role")
		}
		if msg.Content == nil && len(msg.ToolCalls) == 0 && msg.FunctionCall == nil {
			return nil, validationError("every message must have content, tool_calls, or function_call")
		}
	}

	return &req, nil
}

// Complete runs a non-streaming completion through the dispatch loop.
func (d *Dispatcher) Complete(ctx context.Context, req *v1.ChatCompletionRequest) (*v1.ChatCompletionResponse, error) {
	candidates, err := d.router.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	selected := d.router.Select(candidates)
	if selected == nil {
		return nil, noProviderError()
	}

	var lastErr error
	for attempts := 0; attempts < d.maxRetries && selected != nil; {
		attempts++

		resp, err := d.attempt(ctx, *selected, req)
		if err == nil {
			d.usage.Record(selected.Provider, selected.Model, resp.Usage)
			out := normalize.Response(resp, req.Model)
			return &out, nil
		}

		perr := d.classify(err, selected.Provider)
		lastErr = perr
		d.logger.Warn("Dispatch attempt failed",
			zap.String("model", req.Model),
			zap.String("provider", selected.Provider),
			zap.Int("attempt", attempts),
			zap.String("kind", string(perr.Kind)),
			zap.Bool("retryable", perr.Retryable))
		if d.metrics != nil {
			d.metrics.RecordProviderError(selected.Provider, string(perr.Kind))
		}

		if perr.Retryable && attempts < d.maxRetries {
			if d.metrics != nil {
				d.metrics.RecordFallback(req.Model, selected.Provider)
			}
			selected = d.router.NextProvider(req.Model, selected.Provider)
			continue
		}
		break
	}

	if lastErr == nil {
		lastErr = noProviderError()
	}
	return nil, lastErr
}

// attempt runs one candidate end to end: admission, token, upstream call.
func (d *Dispatcher) attempt(ctx context.Context, selected models.ProviderModel, req *v1.ChatCompletionRequest) (*models.ProviderResponse, error) {
	adapter, err := d.adapters.Get(selected.Provider)
	if err != nil {
		return nil, err
	}

	if err := d.limiter.Acquire(ctx, selected.Provider); err != nil {
		return nil, err
	}

	token, err := d.auth.GetValidToken(ctx, selected.Provider)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := adapter.Call(ctx, models.ProviderRequest{
		Model:       selected.Model,
		Request:     *req,
		AccessToken: token.AccessToken,
	})
	if d.metrics != nil {
		d.metrics.RecordProviderLatency(selected.Provider, selected.Model, time.Since(start))
	}
	return resp, err
}

// CompleteStream runs a streaming completion. SSE-formatted frames arrive on
// the first channel, ending with the [DONE] sentinel on success. A terminal
// failure is delivered on the second channel after the frame channel closes;
// once any frame has been delivered the stream's identity is committed and
// no fallback is attempted.
func (d *Dispatcher) CompleteStream(ctx context.Context, req *v1.ChatCompletionRequest) (<-chan string, <-chan error) {
	frames := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errs)

		candidates, err := d.router.Resolve(req.Model)
		if err != nil {
			errs <- err
			return
		}

		selected := d.router.Select(candidates)
		if selected == nil {
			errs <- noProviderError()
			return
		}

		var lastErr error
		for attempts := 0; attempts < d.maxRetries && selected != nil; {
			attempts++

			delivered, err := d.attemptStream(ctx, *selected, req, frames)
			if err == nil {
				select {
				case frames <- normalize.FormatSSEDone():
				case <-ctx.Done():
				}
				return
			}

			perr := d.classify(err, selected.Provider)
			lastErr = perr
			d.logger.Warn("Stream attempt failed",
				zap.String("model", req.Model),
				zap.String("provider", selected.Provider),
				zap.Int("attempt", attempts),
				zap.Bool("delivered", delivered),
				zap.String("kind", string(perr.Kind)))
			if d.metrics != nil {
				d.metrics.RecordProviderError(selected.Provider, string(perr.Kind))
			}

			if delivered {
				// Bytes already reached the client; the transport announces
				// the failure instead of retrying elsewhere.
				errs <- perr
				return
			}

			if perr.Retryable && attempts < d.maxRetries {
				if d.metrics != nil {
					d.metrics.RecordFallback(req.Model, selected.Provider)
				}
				selected = d.router.NextProvider(req.Model, selected.Provider)
				continue
			}
			break
		}

		if lastErr == nil {
			lastErr = noProviderError()
		}
		errs <- lastErr
	}()

	return frames, errs
}

// attemptStream runs one streaming candidate, forwarding normalized frames.
// It reports whether any frame reached the caller.
func (d *Dispatcher) attemptStream(ctx context.Context, selected models.ProviderModel, req *v1.ChatCompletionRequest, frames chan<- string) (bool, error) {
	adapter, err := d.adapters.Get(selected.Provider)
	if err != nil {
		return false, err
	}

	if err := d.limiter.Acquire(ctx, selected.Provider); err != nil {
		return false, err
	}

	token, err := d.auth.GetValidToken(ctx, selected.Provider)
	if err != nil {
		return false, err
	}

	chunks, upstreamErrs := adapter.Stream(ctx, models.ProviderRequest{
		Model:       selected.Model,
		Request:     *req,
		AccessToken: token.AccessToken,
	})

	streamID := normalize.NewStreamID()
	delivered := false
	for chunk := range chunks {
		frame := normalize.FormatSSE(normalize.Chunk(chunk, req.Model, streamID))
		select {
		case frames <- frame:
			delivered = true
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}

	return delivered, <-upstreamErrs
}

// classify coerces any failure into a ProviderError attributed to the
// provider that produced it.
func (d *Dispatcher) classify(err error, provider string) *models.ProviderError {
	var perr *models.ProviderError
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, ratelimit.ErrDisposed) {
		return &models.ProviderError{
			Provider: provider,
			Message:  err.Error(),
			Kind:     models.ErrorKindServiceUnavailable,
		}
	}
	return &models.ProviderError{
		Provider: provider,
		Message:  err.Error(),
		Kind:     models.ErrorKindUnknown,
		Err:      err,
	}
}

func validationError(message string) *models.ProviderError {
	return &models.ProviderError{
		Message: message,
		Kind:    models.ErrorKindValidation,
	}
}

func noProviderError() *models.ProviderError {
	return &models.ProviderError{
		Message: "No available provider",
		Kind:    models.ErrorKindServiceUnavailable,
	}
}
