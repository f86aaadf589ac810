package dispatch

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"chatdispatch/internal/chatlog"
	"chatdispatch/internal/llm"
)

// teeStream forwards every chunk to the caller and, once the upstream channel
// closes, writes one log record holding the assembled response. When ctx ends
// first the rest of the stream is discarded and nothing is logged.
func (d *Dispatcher) teeStream(ctx context.Context, logger *zap.Logger, req *llm.ChatRequest, prompt []byte, in <-chan llm.StreamResult, path string) <-chan llm.StreamResult {
	out := make(chan llm.StreamResult, cap(in))
	w := chatlog.Writer{Path: path, Encoding: d.logEncoding}

	go func() {
		defer close(out)

		var acc streamAccumulator
		failed := false
		for r := range in {
			if r.Err != nil {
				failed = true
			} else if r.Chunk != nil {
				acc.add(r.Chunk)
			}
			select {
			case out <- r:
			case <-ctx.Done():
				logger.Warn("stream abandoned, log record skipped", zap.Error(ctx.Err()))
				for range in {
				}
				return
			}
		}

		if failed {
			logger.Warn("stream ended with error, log record skipped")
			return
		}
		if err := w.Append(prompt, acc.response(req.Model)); err != nil {
			logger.Error("failed to append stream log record", zap.Error(err))
		}
	}()

	return out
}

type streamAccumulator struct {
	text   map[int]*strings.Builder
	finish map[int]string
}

func (a *streamAccumulator) add(c *llm.StreamChunk) {
	if a.text == nil {
		a.text = make(map[int]*strings.Builder)
		a.finish = make(map[int]string)
	}
	b, ok := a.text[c.Index]
	if !ok {
		b = &strings.Builder{}
		a.text[c.Index] = b
	}
	b.WriteString(c.Delta)
	if c.FinishReason != "" {
		a.finish[c.Index] = c.FinishReason
	}
}

func (a *streamAccumulator) response(model string) *llm.ChatResponse {
	resp := &llm.ChatResponse{
		Object:  "chat.completion",
		Model:   model,
		Choices: []llm.ChatChoice{},
	}

	indexes := make([]int, 0, len(a.text))
	for i := range a.text {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		resp.Choices = append(resp.Choices, llm.ChatChoice{
			Index: i,
			Message: llm.ChatMessage{
				Role:    llm.RoleAssistant,
				Content: a.text[i].String(),
			},
			FinishReason: a.finish[i],
		})
	}
	return resp
}
