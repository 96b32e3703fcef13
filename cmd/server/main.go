package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"reasonengine/internal/cache"
	"reasonengine/internal/config"
	"reasonengine/internal/handler"
	"reasonengine/internal/llm"
	"reasonengine/internal/middleware"
	"reasonengine/internal/repository"
	"reasonengine/internal/router"
	"reasonengine/internal/service"
)

const Version = "0.1.0"

// dbPinger adapts *pgxpool.Pool to handler.DBPinger without the router
// package needing to import pgx directly.
type dbPinger struct {
	pool interface {
		Ping(ctx context.Context) error
	}
}

func (d dbPinger) Ping(ctx context.Context) error { return d.pool.Ping(ctx) }

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	chatClient, err := llm.NewChatClient(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModel)
	if err != nil {
		return fmt.Errorf("create chat client: %w", err)
	}
	embeddingClient, err := llm.NewEmbeddingClient(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("create embedding client: %w", err)
	}
	embeddingCache := cache.NewEmbeddingCache(redisClient, cache.DefaultEmbeddingTTL)
	embedder := cache.NewCachedEmbedder(embeddingClient, embeddingCache)
	progressLog := cache.NewProgressLog(redisClient, cache.DefaultProgressTTL)

	conversations := repository.NewConversationRepo(pool)
	messages := repository.NewMessageRepo(pool)
	slots := repository.NewSlotRepo(pool)
	steps := repository.NewReasoningStepRepo(pool)
	quotes := repository.NewQuoteRepo(pool)
	chunks := repository.NewChunkRepo(pool)
	links := repository.NewDiscoveredLinkRepo(pool)

	retrieval := service.NewRetrievalService(embedder, chunks, links, cfg.MatchChunksMergedCap, cfg.MatchChunksPerQuery)
	loader := service.NewContextLoader(conversations, messages, slots, steps, retrieval)
	planner := service.NewPlanner(chatClient)
	extractor := service.NewExtractor(chatClient)
	completeness := service.NewCompletenessEngine()
	expander := service.NewCorpusExpander(retrieval)
	answers := service.NewAnswerBuilder(chatClient, slots, chunks, cfg.FinalAnswerChunksCap, cfg.QuoteSnippetMaxChars, cfg.PageContextChars)

	budgets := service.Budgets{
		MaxIterations:        cfg.MaxIterations,
		MaxSubqueriesPerIter: cfg.MaxSubqueriesPerIter,
		MaxTotalSubqueries:   cfg.MaxTotalSubqueries,
		MaxExpansions:        cfg.MaxExpansions,
		StagnationThreshold:  cfg.StagnationThreshold,
	}
	controller := service.NewController(planner, retrieval, extractor, completeness, expander, answers,
		slots, steps, messages, quotes, budgets)

	reasonDeps := handler.ReasonDeps{
		Loader:     loader,
		Controller: controller,
		Recorder:   progressLog,
	}

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	reasonLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: 20,
		Window:      1 * time.Minute,
	})
	defer reasonLimiter.Stop()

	deps := &router.Dependencies{
		DB:                 dbPinger{pool},
		FrontendURL:        cfg.FrontendURL,
		Version:            Version,
		Metrics:            metrics,
		MetricsReg:         reg,
		InternalAuthSecret: cfg.InternalAuthSecret,
		ReasonDeps:         reasonDeps,
		ReasonRateLimiter:  reasonLimiter,
	}
	r := router.New(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // NDJSON streaming on /api/reason may run long
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("reasonengine starting", "version", Version, "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining in-flight reasoning runs")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Generous drain window: an in-flight /api/reason request can still be
	// mid-iteration (LLM call plus retrieval), and abandoning it loses the
	// assistant message that would otherwise be persisted.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
