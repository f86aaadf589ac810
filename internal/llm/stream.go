package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

func (c *client) ChatCompletionStream(parentCtx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	bodyBytes, err := c.prepare(req, true)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("llm stream request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)

	// Connect synchronously so connection failures reach the caller's retry loop.
	resp, err := c.post(ctx, bodyBytes, true)
	if err != nil {
		cancel()
		return nil, err
	}

	results := make(chan StreamResult, 16)

	go func() {
		defer close(results)
		defer cancel()
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		chunkCount := 0

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("llm stream cancelled",
					zap.String("model", req.Model),
					zap.Error(ctx.Err()),
				)
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					c.logger.Debug("llm stream completed (EOF)",
						zap.String("model", req.Model),
						zap.Int("chunks", chunkCount),
					)
					return
				}
				sendResult(ctx, results, StreamResult{Err: classifyTransportError(fmt.Errorf("llm: read stream line: %w", err))})
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			const prefix = "data:"
			if !bytes.HasPrefix(line, []byte(prefix)) {
				// Ignore non-data SSE lines
				continue
			}

			payload := bytes.TrimSpace(line[len(prefix):])

			if bytes.Equal(payload, []byte("[DONE]")) {
				c.logger.Debug("llm stream received [DONE]",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
				)
				return
			}

			var chunk providerStreamChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				sendResult(ctx, results, StreamResult{Err: fmt.Errorf("%w: unmarshal stream chunk: %w", ErrResponseShape, err)})
				return
			}

			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" && choice.FinishReason == "" {
					continue
				}

				sc := &StreamChunk{
					Index:        choice.Index,
					Delta:        choice.Delta.Content,
					FinishReason: choice.FinishReason,
				}
				chunkCount++

				select {
				case <-ctx.Done():
					c.logger.Info("llm stream cancelled while sending chunk",
						zap.String("model", req.Model),
						zap.Int("chunks", chunkCount),
						zap.Error(ctx.Err()),
					)
					return
				case results <- StreamResult{Chunk: sc}:
				}
			}
		}
	}()

	return results, nil
}

// sendResult delivers r unless ctx ends first; it reports whether r was sent.
func sendResult(ctx context.Context, results chan<- StreamResult, r StreamResult) bool {
	select {
	case <-ctx.Done():
		return false
	case results <- r:
		return true
	}
}
