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

// GeminiAdapter speaks the Gemini generateContent wire format and translates
// the canonical OpenAI-shaped request into it.
type GeminiAdapter struct {
	name     string
	endpoint string
	client   *http.Client
	agents   *UserAgentPool
	logger   *zap.Logger
}

// NewGeminiAdapter creates an adapter for a Gemini-shaped provider.
func NewGeminiAdapter(name string, config models.ProviderConfig, agents *UserAgentPool, logger *zap.Logger) *GeminiAdapter {
	return &GeminiAdapter{
		name:     name,
		endpoint: strings.TrimSuffix(config.APIEndpoint, "/"),
		client:   newUpstreamClient(),
		agents:   agents,
		logger:   logger,
	}
}

// Name returns the provider name.
func (a *GeminiAdapter) Name() string {
	return a.name
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
	Tools            []geminiTool     `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call performs a single-shot completion via :generateContent.
func (a *GeminiAdapter) Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.endpoint, req.Model)

	resp, err := a.send(ctx, url, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var upstream geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&upstream); err != nil {
		return nil, models.NewTransportError(a.name, fmt.Errorf("decode response: %w", err))
	}

	if len(upstream.Candidates) == 0 {
		return nil, &models.ProviderError{
			Provider:  a.name,
			Message:   "upstream response contained no candidates",
			Kind:      models.ErrorKindServiceUnavailable,
			Retryable: true,
		}
	}

	candidate := upstream.Candidates[0]
	message := candidateMessage(candidate.Content)

	out := &models.ProviderResponse{
		Message:      message,
		FinishReason: mapGeminiFinishReason(candidate.FinishReason),
	}
	if upstream.UsageMetadata != nil {
		out.Usage = v1.Usage{
			PromptTokens:     upstream.UsageMetadata.PromptTokenCount,
			CompletionTokens: upstream.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      upstream.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// Stream performs a streaming completion via :streamGenerateContent. Gemini
// streams end naturally, without a sentinel frame.
func (a *GeminiAdapter) Stream(ctx context.Context, req models.ProviderRequest) (<-chan models.ProviderStreamChunk, <-chan error) {
	chunks := make(chan models.ProviderStreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", a.endpoint, req.Model)

		resp, err := a.send(ctx, url, req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		err = scanSSE(resp.Body, func(data string) bool {
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Malformed lines are skipped, not fatal.
				return true
			}
			if len(chunk.Candidates) == 0 {
				return true
			}

			candidate := chunk.Candidates[0]
			out := models.ProviderStreamChunk{
				Delta: deltaFromContent(candidate.Content),
			}
			if candidate.FinishReason != "" {
				reason := mapGeminiFinishReason(candidate.FinishReason)
				out.FinishReason = &reason
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
func (a *GeminiAdapter) send(ctx context.Context, url string, req models.ProviderRequest) (*http.Response, error) {
	payload, err := translateRequest(req.Request)
	if err != nil {
		return nil, &models.ProviderError{
			Provider: a.name,
			Message:  err.Error(),
			Kind:     models.ErrorKindInvalidRequest,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewTransportError(a.name, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
func (a *GeminiAdapter) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))

	message := strings.TrimSpace(string(raw))
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
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

// translateRequest maps the canonical request into the Gemini wire shape.
// Consecutive system messages are concatenated and prepended, tagged
// "[System]", to the next user message.
func translateRequest(req v1.ChatCompletionRequest) (*geminiRequest, error) {
	out := &geminiRequest{}

	var pendingSystem []string
	flushSystem := func(userText string) string {
		if len(pendingSystem) == 0 {
			return userText
		}
		prefix := "[System] " + strings.Join(pendingSystem, "\n\n")
		pendingSystem = nil
		if userText == "" {
			return prefix
		}
		return prefix + "\n\n" + userText
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if msg.Content != nil {
				pendingSystem = append(pendingSystem, *msg.Content)
			}

		case "user":
			text := ""
			if msg.Content != nil {
				text = *msg.Content
			}
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: flushSystem(text)}},
			})

		case "assistant":
			content := geminiContent{Role: "model"}
			if fc := assistantFunctionCall(msg); fc != nil {
				args := map[string]interface{}{}
				if fc.Arguments != "" {
					if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
						return nil, fmt.Errorf("function call arguments must be valid JSON: %w", err)
					}
				}
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: fc.Name, Args: args},
				})
			} else if msg.Content != nil {
				content.Parts = append(content.Parts, geminiPart{Text: *msg.Content})
			}
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}

		case "tool", "function":
			response := map[string]interface{}{}
			if msg.Content != nil {
				if err := json.Unmarshal([]byte(*msg.Content), &response); err != nil {
					response = map[string]interface{}{"content": *msg.Content}
				}
			}
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{Name: msg.Name, Response: response},
				}},
			})
		}
	}

	// Trailing system messages with no following user turn still reach the
	// model as a user content.
	if len(pendingSystem) > 0 {
		out.Contents = append(out.Contents, geminiContent{
			Role:  "user",
			Parts: []geminiPart{{Text: flushSystem("")}},
		})
	}

	if cfg := translateGenConfig(req); cfg != nil {
		out.GenerationConfig = cfg
	}

	if len(req.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		out.Tools = []geminiTool{tool}
	}

	return out, nil
}

// assistantFunctionCall extracts a function call from either the legacy
// function_call field or the first tool call.
func assistantFunctionCall(msg v1.Message) *v1.FunctionCall {
	if msg.FunctionCall != nil {
		return msg.FunctionCall
	}
	if len(msg.ToolCalls) > 0 {
		return &msg.ToolCalls[0].Function
	}
	return nil
}

// translateGenConfig maps the canonical generation knobs.
func translateGenConfig(req v1.ChatCompletionRequest) *geminiGenConfig {
	cfg := &geminiGenConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   decodeStop(req.Stop),
	}
	if cfg.Temperature == nil && cfg.TopP == nil && cfg.MaxOutputTokens == 0 && len(cfg.StopSequences) == 0 {
		return nil
	}
	return cfg
}

// decodeStop accepts the OpenAI stop field as either a string or a list.
func decodeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// candidateMessage converts a candidate's content into an assistant message.
func candidateMessage(content geminiContent) v1.Message {
	msg := v1.Message{Role: "assistant"}

	var text strings.Builder
	for _, part := range content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			msg.ToolCalls = append(msg.ToolCalls, v1.ToolCall{
				ID:   "call_" + part.FunctionCall.Name,
				Type: "function",
				Function: v1.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		}
	}
	if text.Len() > 0 || len(msg.ToolCalls) == 0 {
		s := text.String()
		msg.Content = &s
	}

	return msg
}

// deltaFromContent converts a streamed candidate content into a delta.
func deltaFromContent(content geminiContent) v1.Delta {
	delta := v1.Delta{}
	for _, part := range content.Parts {
		if part.Text != "" {
			delta.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			delta.ToolCalls = append(delta.ToolCalls, v1.ToolCall{
				Type: "function",
				Function: v1.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		}
	}
	return delta
}

// mapGeminiFinishReason translates Gemini finish reasons to the canonical set.
func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}
