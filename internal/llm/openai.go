package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures the go-openai backed client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // default: https://api.openai.com/v1
	OrgID   string

	UpstreamTimeout time.Duration // per-request timeout (default: 60s)
}

type openAIClient struct {
	api     *openai.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAIClient returns a Client backed by github.com/sashabaranov/go-openai.
func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: invalid config: APIKey is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	apiCfg.OrgID = cfg.OrgID

	return &openAIClient{
		api:     openai.NewClientWithConfig(apiCfg),
		timeout: cfg.UpstreamTimeout,
		logger:  logger.Named("openai"),
	}, nil
}

func (c *openAIClient) ChatCompletion(parentCtx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrBadRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("openai: invalid request: %w", err)
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, toOpenAIRequest(req))
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: provider returned no choices", ErrResponseShape)
	}

	out := &ChatResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]ChatChoice, 0, len(resp.Choices)),
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, ChatChoice{
			Index:        ch.Index,
			Message:      fromOpenAIMessage(ch.Message),
			FinishReason: string(ch.FinishReason),
		})
	}

	c.logger.Debug("openai request completed",
		zap.String("model", out.Model),
		zap.Int("total_tokens", out.Usage.TotalTokens),
	)

	return out, nil
}

func (c *openAIClient) ChatCompletionStream(parentCtx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrBadRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("openai: invalid request: %w", err)
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.timeout)

	oreq := toOpenAIRequest(req)
	oreq.Stream = true

	stream, err := c.api.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		cancel()
		return nil, classifyOpenAIError(err)
	}

	results := make(chan StreamResult, 16)

	go func() {
		defer close(results)
		defer cancel()
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sendResult(ctx, results, StreamResult{Err: classifyOpenAIError(err)})
				return
			}

			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" && choice.FinishReason == "" {
					continue
				}
				sc := &StreamChunk{
					Index:        choice.Index,
					Delta:        choice.Delta.Content,
					FinishReason: string(choice.FinishReason),
				}
				select {
				case <-ctx.Done():
					return
				case results <- StreamResult{Chunk: sc}:
				}
			}
		}
	}()

	return results, nil
}

func toOpenAIRequest(req *ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	// go-openai drops a zero temperature (omitempty), which the API reads as 1.
	if out.Temperature == 0 {
		out.Temperature = math.SmallestNonzeroFloat32
	}

	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		}
		if m.FunctionCall != nil {
			msg.FunctionCall = &openai.FunctionCall{
				Name:      m.FunctionCall.Name,
				Arguments: m.FunctionCall.Arguments,
			}
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, f := range req.Functions {
		params := f.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Functions = append(out.Functions, openai.FunctionDefinition{
			Name:        f.Name,
			Description: f.Description,
			Parameters:  params,
		})
	}

	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) ChatMessage {
	out := ChatMessage{
		Role:    m.Role,
		Content: m.Content,
		Name:    m.Name,
	}
	if m.FunctionCall != nil {
		out.FunctionCall = &FunctionCall{
			Name:      m.FunctionCall.Name,
			Arguments: m.FunctionCall.Arguments,
		}
	}
	return out
}

// classifyOpenAIError tags go-openai errors with this package's failure kinds.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewAPIError(apiErr.HTTPStatusCode, apiErr.Type, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := "request failed"
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return NewAPIError(reqErr.HTTPStatusCode, "", msg)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %w", ErrResponseShape, err)
	}

	return classifyTransportError(fmt.Errorf("openai: %w", err))
}
