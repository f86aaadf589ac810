package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	maxRequestSize = 2 * 1024 * 1024 // 2MB total JSON payload
	maxMessageSize = 512 * 1024      // 512KB per message content
	maxErrorBody   = 64 * 1024
)

func (c *client) ChatCompletion(parentCtx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	bodyBytes, err := c.prepare(req, false)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("llm request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
		zap.Int("function_count", len(req.Functions)),
	)

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := c.post(ctx, bodyBytes, false)
	if err != nil {
		c.logger.Debug("llm request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}
	defer resp.Body.Close()

	var pResp providerChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, fmt.Errorf("%w: decode upstream response: %w", ErrResponseShape, err)
	}

	if len(pResp.Choices) == 0 {
		c.logger.Warn("llm provider returned no choices",
			zap.String("model", req.Model),
		)
		return nil, fmt.Errorf("%w: provider returned no choices", ErrResponseShape)
	}

	out := &ChatResponse{
		ID:      pResp.ID,
		Object:  pResp.Object,
		Created: pResp.Created,
		Model:   pResp.Model,
		Choices: make([]ChatChoice, 0, len(pResp.Choices)),
	}

	for _, ch := range pResp.Choices {
		out.Choices = append(out.Choices, ChatChoice{
			Index:        ch.Index,
			Message:      ch.Message,
			FinishReason: ch.FinishReason,
		})
	}

	// Always include usage (even if zero)
	out.Usage = &Usage{}
	if pResp.Usage != nil {
		out.Usage.PromptTokens = pResp.Usage.PromptTokens
		out.Usage.CompletionTokens = pResp.Usage.CompletionTokens
		out.Usage.TotalTokens = pResp.Usage.TotalTokens
	}

	c.logger.Debug("llm request completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

// prepare validates req and encodes the wire body.
func (c *client) prepare(req *ChatRequest, stream bool) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrBadRequest)
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("llm: invalid request: %w", err)
	}

	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return nil, fmt.Errorf(
				"%w: message[%d] content too large (%d bytes, max %d)",
				ErrBadRequest, i, len(m.Content), maxMessageSize,
			)
		}
	}

	wire := *req
	wire.Stream = stream

	bodyBytes, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	if len(bodyBytes) > maxRequestSize {
		return nil, fmt.Errorf(
			"%w: request too large (%d bytes, max %d)",
			ErrBadRequest, len(bodyBytes), maxRequestSize,
		)
	}

	return bodyBytes, nil
}

// post performs one round trip and converts non-2xx answers into *APIError.
// On success the caller owns resp.Body.
func (c *client) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	url := c.cfg.BaseURL + "/v1/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(fmt.Errorf("llm: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr *APIError
	var perr providerErrorResponse
	if err := json.Unmarshal(raw, &perr); err == nil && perr.Error.Message != "" {
		apiErr = NewAPIError(resp.StatusCode, perr.Error.Type, perr.Error.Message)
	} else {
		apiErr = NewAPIError(resp.StatusCode, "", truncate(string(raw), 200))
	}
	apiErr.retryAfter = parseRetryAfter(resp.Header)

	c.logger.Debug("llm provider error",
		zap.Int("status", resp.StatusCode),
		zap.String("error_type", apiErr.Type),
		zap.String("error_message", apiErr.Message),
	)

	return nil, apiErr
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
