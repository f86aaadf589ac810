package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chatdispatch/internal/cache"
	"chatdispatch/internal/chatlog"
	"chatdispatch/internal/config"
	"chatdispatch/internal/dispatch"
	"chatdispatch/internal/handlers"
	"chatdispatch/internal/httpserver"
	"chatdispatch/internal/llm"
	"chatdispatch/internal/metrics"
	"chatdispatch/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.NewLogger(logging.Options{Env: cfg.Log.Env, Level: cfg.Log.Level})
	if err != nil {
		return err
	}
	logging.SetDefault(logger)
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("llm_base_url", cfg.LLM.BaseURL),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Int("retry_max_attempts", cfg.Retry.MaxAttempts),
		zap.String("chat_log", cfg.ChatLog.Path),
	)

	// ----- Response cache -----
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := cache.New(ctx, cfg.CacheFactory())
	cancel()
	if err != nil {
		logger.Error("cache setup failed", zap.Error(err))
		return err
	}
	store = cache.NewLoggingStore(store, cfg.Cache.Backend)
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- LLM client -----
	llmClient, err := newLLMClient(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Dispatcher -----
	enc, err := chatlog.ParseEncoding(cfg.ChatLog.Encoding)
	if err != nil {
		return err
	}
	opts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithRetryPolicy(cfg.RetryPolicy()),
		dispatch.WithLogEncoding(enc),
		dispatch.WithDefaultLogPath(cfg.ChatLog.Path),
	}
	if store != nil {
		opts = append(opts, dispatch.WithCache(store))
	}
	dispatcher := dispatch.New(llmClient, opts...)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.NewChatHandler(dispatcher, cfg.ChatLog.Path), httpserver.Options{
		Timeout:     cfg.Timeout,
		MaxBodySize: cfg.MaxBody,
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting gateway", zap.String("addr", srv.Addr))

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	case <-stop:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// newLLMClient builds the configured client. Without an API key the gateway
// still starts; chat requests then fail with a configuration error.
func newLLMClient(cfg *config.Config, logger *zap.Logger) (llm.Client, error) {
	if cfg.LLM.APIKey == "" {
		logger.Warn("no LLM API key configured, chat endpoints will return 500")
		return nil, nil
	}

	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		// base_url names the host for both providers; go-openai wants the /v1 root.
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:          cfg.LLM.APIKey,
			BaseURL:         strings.TrimRight(cfg.LLM.BaseURL, "/") + "/v1",
			OrgID:           cfg.LLM.OrgID,
			UpstreamTimeout: cfg.LLM.Timeout,
		}, logger)
	default:
		return llm.NewClient(llm.Config{
			BaseURL:         cfg.LLM.BaseURL,
			APIKey:          cfg.LLM.APIKey,
			UpstreamTimeout: cfg.LLM.Timeout,
		}, logger)
	}
}
