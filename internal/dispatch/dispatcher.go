// Package dispatch sends chat completions with retries, optional response
// caching and an optional append-only prompt/response log.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatdispatch/internal/cache"
	"chatdispatch/internal/chatlog"
	"chatdispatch/internal/llm"
	"chatdispatch/internal/metrics"
	"chatdispatch/internal/retry"
	"chatdispatch/pkg/logging/logging"
)

// ErrNoClient is returned when the dispatcher was built without a client.
var ErrNoClient = errors.New("dispatch: no chat completion client provided")

// DefaultPolicy retries server errors, rate limits and connection failures
// up to 10 times, doubling a 1s wait each time.
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: retry.DefaultMaxAttempts,
		BaseDelay:   retry.DefaultBaseDelay,
		MaxDelay:    retry.DefaultMaxDelay,
		Retryable:   []error{llm.ErrServer, llm.ErrRateLimit, llm.ErrConnection},
		Classify:    llm.KindOf,
	}
}

// Params are the inputs of one Send.
type Params struct {
	Model     string
	Messages  []llm.ChatMessage
	Functions []llm.FunctionDefinition
	Stream    bool

	// LogPath, when set, receives one prompt/response record.
	LogPath string
}

// Result is what Send returns. Exactly one of Response and Stream is set.
type Result struct {
	// Hash is the hex SHA-1 of Key, for tracing only.
	Hash string
	// Key is the canonical request bytes used for cache lookups.
	Key      []byte
	Response *llm.ChatResponse
	// Stream is closed once the upstream finishes or the Send context ends.
	Stream   <-chan llm.StreamResult
	Cached   bool
}

type Dispatcher struct {
	client         llm.Client
	store          cache.Store
	policy         retry.Policy
	logger         *zap.Logger
	logEncoding    chatlog.Encoding
	defaultLogPath string
	onBackoff      func(retry.Notice)
}

type Option func(*Dispatcher)

// WithCache enables response caching for non-streaming calls.
func WithCache(store cache.Store) Option {
	return func(d *Dispatcher) { d.store = store }
}

// WithRetryPolicy replaces DefaultPolicy. Classify and Retryable are filled
// from the default when left empty.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) {
		def := DefaultPolicy()
		if len(p.Retryable) == 0 {
			p.Retryable = def.Retryable
		}
		if p.Classify == nil {
			p.Classify = def.Classify
		}
		d.policy = p
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithLogEncoding(enc chatlog.Encoding) Option {
	return func(d *Dispatcher) { d.logEncoding = enc }
}

// WithDefaultLogPath sets the log file used by SimpleSend.
func WithDefaultLogPath(path string) Option {
	return func(d *Dispatcher) { d.defaultLogPath = path }
}

// WithOnBackoff registers an extra observer for retry notices.
func WithOnBackoff(fn func(retry.Notice)) Option {
	return func(d *Dispatcher) { d.onBackoff = fn }
}

// New builds a Dispatcher. A nil client is accepted; every call then fails
// with ErrNoClient.
func New(client llm.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:         client,
		policy:         DefaultPolicy(),
		logger:         zap.NewNop(),
		logEncoding:    chatlog.EncodingJSON,
		defaultLogPath: chatlog.DefaultPath,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatch")
	return d
}

// Send builds the request, consults the cache, calls the model with retries,
// logs the exchange and fills the cache.
func (d *Dispatcher) Send(ctx context.Context, p Params) (*Result, error) {
	if d == nil || d.client == nil {
		return nil, ErrNoClient
	}
	if strings.TrimSpace(p.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", llm.ErrBadRequest)
	}

	req := &llm.ChatRequest{
		Model:       p.Model,
		Messages:    p.Messages,
		Temperature: 0,
		Stream:      p.Stream,
		Functions:   p.Functions,
	}
	if req.Messages == nil {
		req.Messages = []llm.ChatMessage{}
	}

	key, err := cache.BuildKey(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	logger := d.logger.With(
		zap.String("call_id", uuid.NewString()),
		zap.String("model", p.Model),
		zap.String("hash", key.Hash()),
		zap.Bool("stream", p.Stream),
	)
	ctx = logging.WithLogger(ctx, logger)

	result := &Result{Hash: key.Hash(), Key: key.Bytes}

	useCache := !p.Stream && d.store != nil
	if useCache {
		if resp, ok := d.lookup(ctx, logger, key.Bytes); ok {
			result.Response = resp
			result.Cached = true
			logger.Debug("served from cache")
			return result, nil
		}
	}

	policy := d.policy
	policy.OnBackoff = func(n retry.Notice) {
		metrics.RetriesTotal.WithLabelValues(n.Kind).Inc()
		logger.Warn("retrying chat completion",
			zap.String("kind", n.Kind),
			zap.Duration("wait", n.Wait),
			zap.Int("attempt", n.Attempt),
			zap.Error(n.Err),
		)
		if d.onBackoff != nil {
			d.onBackoff(n)
		}
	}

	start := time.Now()

	if p.Stream {
		stream, err := retry.DoValue(ctx, policy, func(ctx context.Context) (<-chan llm.StreamResult, error) {
			return d.client.ChatCompletionStream(ctx, req)
		})
		d.observe(p.Model, start, err)
		if err != nil {
			return nil, err
		}
		if p.LogPath != "" {
			stream = d.teeStream(ctx, logger, req, key.Bytes, stream, p.LogPath)
		}
		result.Stream = stream
		return result, nil
	}

	resp, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*llm.ChatResponse, error) {
		return d.client.ChatCompletion(ctx, req)
	})
	d.observe(p.Model, start, err)
	if err != nil {
		logger.Debug("chat completion failed", zap.String("kind", llm.KindOf(err)), zap.Error(err))
		return nil, err
	}

	if p.LogPath != "" {
		w := chatlog.Writer{Path: p.LogPath, Encoding: d.logEncoding}
		if err := w.Append(key.Bytes, resp); err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
	}

	if useCache {
		d.save(ctx, logger, key.Bytes, resp)
	}

	result.Response = resp
	return result, nil
}

// SimpleSend returns the text of the first choice. Bad requests and
// malformed responses yield ("", nil); other failures are returned.
func (d *Dispatcher) SimpleSend(ctx context.Context, model string, messages []llm.ChatMessage) (string, error) {
	logPath := ""
	if d != nil {
		logPath = d.defaultLogPath
	}

	res, err := d.Send(ctx, Params{
		Model:    model,
		Messages: messages,
		LogPath:  logPath,
	})
	if err == nil {
		var content string
		content, err = res.Response.FirstContent()
		if err == nil {
			return content, nil
		}
	}

	if errors.Is(err, llm.ErrBadRequest) || errors.Is(err, llm.ErrResponseShape) {
		if d != nil {
			d.logger.Debug("simple send returned no result",
				zap.String("kind", llm.KindOf(err)),
				zap.Error(err),
			)
		}
		return "", nil
	}
	return "", err
}

func (d *Dispatcher) lookup(ctx context.Context, logger *zap.Logger, key []byte) (*llm.ChatResponse, bool) {
	raw, hit, err := d.store.Get(ctx, key)
	if err != nil {
		// Cache is best-effort; log and treat as miss.
		logger.Warn("cache_get_error", zap.Error(err))
		return nil, false
	}
	if !hit {
		return nil, false
	}

	var resp llm.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		logger.Warn("cache_unmarshal_error", zap.Error(err))
		return nil, false
	}
	return &resp, true
}

func (d *Dispatcher) save(ctx context.Context, logger *zap.Logger, key []byte, resp *llm.ChatResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		logger.Warn("cache_marshal_error", zap.Error(err))
		return
	}
	if err := d.store.Set(ctx, key, raw); err != nil {
		logger.Warn("cache_set_error", zap.Error(err))
	}
}

func (d *Dispatcher) observe(model string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = llm.KindOf(err)
	}
	metrics.UpstreamLatencySeconds.WithLabelValues(model, outcome).Observe(time.Since(start).Seconds())
}
