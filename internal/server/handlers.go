package server

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/driftlock/llmgate/internal/normalize"
	v1 "github.com/driftlock/llmgate/pkg/api/v1"
)

// maxRequestBody bounds request bodies read into memory.
const maxRequestBody = 10 << 20

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChatCompletion handles chat completion requests, streaming and not.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, err)
		return
	}

	req, err := s.dispatcher.ParseRequest(body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if req.Stream {
		s.streamChatCompletion(w, r, req)
		return
	}

	resp, err := s.dispatcher.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// streamChatCompletion fans SSE frames through to the client. Headers are
// not committed until the first frame arrives, so a dispatch that fails
// before any bytes flow still gets a proper error status. After the first
// frame, a failure is announced as a final error frame followed by [DONE].
func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, req *v1.ChatCompletionRequest) {
	frames, errs := s.dispatcher.CompleteStream(r.Context(), req)

	flusher, canFlush := w.(http.Flusher)
	wrote := false

	for frame := range frames {
		if !wrote {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := io.WriteString(w, frame); err != nil {
			s.logger.Debug("Client went away mid-stream", zap.Error(err))
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	if err := <-errs; err != nil {
		if !wrote {
			s.writeError(w, err)
			return
		}
		payload := v1.ErrorResponse{Error: normalize.Error(err)}
		io.WriteString(w, normalize.FormatSSE(payload))
		io.WriteString(w, normalize.FormatSSEDone())
		if canFlush {
			flusher.Flush()
		}
	}
}

// handleGetModels lists the configured model aliases.
func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	aliases := s.gwRouter.Aliases()

	resp := v1.ModelsResponse{Object: "list", Data: make([]v1.ModelInfo, 0, len(aliases))}
	for _, alias := range aliases {
		resp.Data = append(resp.Data, v1.ModelInfo{
			ID:      alias,
			Object:  "model",
			Created: s.startedAt.Unix(),
			OwnedBy: "llm-gateway",
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleNotFound returns a canonical error payload for unknown routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, v1.ErrorResponse{
		Error: v1.ErrorDetails{
			Message: "Not found",
			Type:    "invalid_request_error",
		},
	})
}

// writeError maps an error to its HTTP status and canonical payload.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := normalize.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, v1.ErrorResponse{Error: normalize.Error(err)})
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
