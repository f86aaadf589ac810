package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatMessage struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// FunctionDefinition describes a function the model may call.
// Parameters holds a JSON Schema object.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is the payload sent upstream. Temperature and Stream are always
// serialized so that the cache key reflects them.
type ChatRequest struct {
	Model       string               `json:"model"`
	Messages    []ChatMessage        `json:"messages"`
	Temperature float32              `json:"temperature"`
	Stream      bool                 `json:"stream"`
	Functions   []FunctionDefinition `json:"functions,omitempty"`
}

// Validate runs the checks that can fail before the request leaves the
// process. Empty message lists are left for the upstream to reject.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrBadRequest)
	}

	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		default:
			return fmt.Errorf("%w: invalid role %q in messages[%d]", ErrBadRequest, m.Role, i)
		}
	}

	for i, f := range r.Functions {
		if f.Name == "" {
			return fmt.Errorf("%w: functions[%d] has no name", ErrBadRequest, i)
		}
	}

	return nil
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	ID      string       `json:"id,omitempty"`
	Object  string       `json:"object,omitempty"`
	Created int64        `json:"created,omitempty"`
	Model   string       `json:"model,omitempty"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// FirstContent returns the text of the first choice.
func (r *ChatResponse) FirstContent() (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil response", ErrResponseShape)
	}
	if len(r.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", ErrResponseShape)
	}
	return r.Choices[0].Message.Content, nil
}

type StreamChunk struct {
	Index        int    `json:"index"`
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type StreamResult struct {
	Chunk *StreamChunk
	Err   error
}

// Client is the remote chat-completion boundary. Connection failures of a
// stream are returned by ChatCompletionStream itself; failures after the
// stream is established arrive on the channel.
type Client interface {
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamResult, error)
}
