package normalize

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/driftlock/llmgate/internal/models"
	v1 "github.com/driftlock/llmgate/pkg/api/v1"
	"github.com/google/uuid"
)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
)

// canonicalFinishReasons is the closed set a finish reason may take; anything
// else collapses to "stop".
var canonicalFinishReasons = map[string]struct{}{
	"stop":           {},
	"length":         {},
	"tool_calls":     {},
	"content_filter": {},
	"function_call":  {},
}

// NewStreamID fabricates a completion identifier shared by every chunk of
// one stream.
func NewStreamID() string {
	return "chatcmpl-" + uuid.NewString()
}

// Response maps a provider completion into the canonical wire form under the
// model name the client asked for.
func Response(resp *models.ProviderResponse, requestedModel string) v1.ChatCompletionResponse {
	reason := FinishReason(resp.FinishReason)
	message := resp.Message
	if message.Role == "" {
		message.Role = "assistant"
	}

	return v1.ChatCompletionResponse{
		ID:      NewStreamID(),
		Object:  objectCompletion,
		Created: time.Now().Unix(),
		Model:   requestedModel,
		Choices: []v1.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: &reason,
		}},
		Usage: resp.Usage,
	}
}

// Chunk maps one provider stream fragment into the canonical chunk form. The
// caller-supplied streamID is carried unchanged across the whole stream.
func Chunk(chunk models.ProviderStreamChunk, requestedModel, streamID string) v1.ChatCompletionChunk {
	var reason *string
	if chunk.FinishReason != nil {
		r := FinishReason(*chunk.FinishReason)
		reason = &r
	}

	return v1.ChatCompletionChunk{
		ID:      streamID,
		Object:  objectChunk,
		Created: time.Now().Unix(),
		Model:   requestedModel,
		Choices: []v1.ChunkChoice{{
			Index:        0,
			Delta:        chunk.Delta,
			FinishReason: reason,
		}},
	}
}

// FinishReason collapses an arbitrary finish reason into the canonical set.
func FinishReason(reason string) string {
	if _, ok := canonicalFinishReasons[reason]; ok {
		return reason
	}
	return "stop"
}

// Error maps any error into the canonical wire error shape.
func Error(err error) v1.ErrorDetails {
	kind := models.ErrorKindUnknown
	message := "internal error"

	var perr *models.ProviderError
	if errors.As(err, &perr) {
		kind = perr.Kind
		message = perr.Message
	} else if err != nil {
		message = err.Error()
	}

	details := v1.ErrorDetails{Message: message}
	switch kind {
	case models.ErrorKindAuth:
		details.Type = "authentication_error"
		details.Code = strptr("invalid_api_key")
	case models.ErrorKindRateLimit:
		details.Type = "rate_limit_error"
		details.Code = strptr("rate_limit_exceeded")
	case models.ErrorKindServiceUnavailable:
		details.Type = "server_error"
		details.Code = strptr("service_unavailable")
	case models.ErrorKindInvalidRequest, models.ErrorKindValidation:
		details.Type = "invalid_request_error"
	default:
		details.Type = "server_error"
	}
	return details
}

// HTTPStatus maps an error to the status code the gateway responds with.
// A ProviderError maps by its kind; any other error is treated as a
// validation failure when its message carries a validation phrase.
func HTTPStatus(err error) int {
	var perr *models.ProviderError
	if errors.As(err, &perr) {
		switch perr.Kind {
		case models.ErrorKindAuth:
			return http.StatusUnauthorized
		case models.ErrorKindRateLimit:
			return http.StatusTooManyRequests
		case models.ErrorKindInvalidRequest, models.ErrorKindValidation:
			return http.StatusBadRequest
		case models.ErrorKindServiceUnavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}

	if err != nil && isValidationMessage(err.Error()) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// isValidationMessage recognizes request-shape failures by their phrasing.
func isValidationMessage(msg string) bool {
	for _, marker := range []string{"required", "must be", "must have", "Unknown model"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// FormatSSE frames a payload as one server-sent event.
func FormatSSE(payload interface{}) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return "data: " + string(raw) + "\n\n"
}

// FormatSSEDone is the terminal stream frame.
func FormatSSEDone() string {
	return "data: [DONE]\n\n"
}

func strptr(s string) *string {
	return &s
}
