package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chatdispatch/internal/dispatch"
	"chatdispatch/internal/llm"
	"chatdispatch/pkg/logging/logging"
)

// Dispatcher is the part of dispatch.Dispatcher the handlers use.
type Dispatcher interface {
	Send(ctx context.Context, p dispatch.Params) (*dispatch.Result, error)
	SimpleSend(ctx context.Context, model string, messages []llm.ChatMessage) (string, error)
}

// ChatHandler holds dependencies for the /v1/chat endpoints.
type ChatHandler struct {
	Dispatcher Dispatcher
	// LogPath is passed to every completion; empty disables the chat log.
	LogPath string
}

func NewChatHandler(d Dispatcher, logPath string) *ChatHandler {
	return &ChatHandler{
		Dispatcher: d,
		LogPath:    logPath,
	}
}

type chatCompletionRequest struct {
	Model     string                   `json:"model"`
	Messages  []llm.ChatMessage        `json:"messages"`
	Functions []llm.FunctionDefinition `json:"functions,omitempty"`
	Stream    bool                     `json:"stream,omitempty"`
}

type simpleRequest struct {
	Model    string            `json:"model"`
	Messages []llm.ChatMessage `json:"messages"`
}

type simpleResponse struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// sseChunk mirrors the OpenAI chat.completion.chunk event.
type sseChunk struct {
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type sseDelta struct {
	Content string `json:"content,omitempty"`
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON")
		return
	}

	res, err := h.Dispatcher.Send(ctx, dispatch.Params{
		Model:     req.Model,
		Messages:  req.Messages,
		Functions: req.Functions,
		Stream:    req.Stream,
		LogPath:   h.LogPath,
	})
	if err != nil {
		status, kind := statusFor(err)
		logger.Warn("chat completion failed",
			zap.String("model", req.Model),
			zap.String("kind", kind),
			zap.Int("status", status),
			zap.Error(err),
		)
		h.writeError(w, status, kind, err.Error())
		return
	}

	w.Header().Set("X-Chat-Hash", res.Hash)

	if res.Stream != nil {
		h.writeStream(ctx, w, logger, req.Model, res.Stream)
		logger.Info("chat_stream_complete",
			zap.String("hash_key", res.Hash),
			zap.String("model", req.Model),
			zap.Duration("total_latency_ms", time.Since(start)),
		)
		return
	}

	cacheHeader := "miss"
	if res.Cached {
		cacheHeader = "hit"
	}
	w.Header().Set("X-Cache", cacheHeader)

	logger.Info("cache_decision",
		zap.String("hash_key", res.Hash),
		zap.String("model", req.Model),
		zap.Bool("cache_hit", res.Cached),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	h.writeJSON(w, http.StatusOK, res.Response)
}

// Simple handles POST /v1/chat/simple.
func (h *ChatHandler) Simple(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var req simpleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON")
		return
	}

	content, err := h.Dispatcher.SimpleSend(ctx, req.Model, req.Messages)
	if err != nil {
		status, kind := statusFor(err)
		logger.Warn("simple chat failed", zap.String("kind", kind), zap.Error(err))
		h.writeError(w, status, kind, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, simpleResponse{Content: content})
}

func (h *ChatHandler) writeStream(ctx context.Context, w http.ResponseWriter, logger *zap.Logger, model string, stream <-chan llm.StreamResult) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Client went away; drain so the producer can finish its log record.
			go func() {
				for range stream {
				}
			}()
			return
		case r, ok := <-stream:
			if !ok {
				_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
				flush()
				return
			}
			if r.Err != nil {
				_, kind := statusFor(r.Err)
				logger.Warn("stream error", zap.String("kind", kind), zap.Error(r.Err))
				payload, _ := json.Marshal(errorResponse{Error: errorBody{Message: r.Err.Error(), Type: kind}})
				_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
				flush()
				continue
			}
			if r.Chunk == nil {
				continue
			}

			payload, err := json.Marshal(sseChunk{
				Object: "chat.completion.chunk",
				Model:  model,
				Choices: []sseChoice{{
					Index:        r.Chunk.Index,
					Delta:        sseDelta{Content: r.Chunk.Delta},
					FinishReason: r.Chunk.FinishReason,
				}},
			})
			if err != nil {
				logger.Warn("marshal_chunk_error", zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flush()
		}
	}
}

// statusFor maps a dispatch error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrNoClient):
		return http.StatusInternalServerError, "configuration_error"
	case errors.Is(err, llm.ErrBadRequest):
		return http.StatusBadRequest, llm.KindOf(err)
	case errors.Is(err, llm.ErrAuth):
		return http.StatusUnauthorized, llm.KindOf(err)
	case errors.Is(err, llm.ErrRateLimit):
		return http.StatusTooManyRequests, llm.KindOf(err)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, llm.KindOf(err)
	}
}

func (h *ChatHandler) writeError(w http.ResponseWriter, status int, kind, msg string) {
	h.writeJSON(w, status, errorResponse{Error: errorBody{Message: msg, Type: kind}})
}

// writeJSON is a small helper to send JSON responses consistently.
func (h *ChatHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
