package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"cms-job-service/internal/auth"
	"cms-job-service/internal/config"
	"cms-job-service/internal/enrichment"
	"cms-job-service/internal/entity"
	"cms-job-service/internal/events"
	"cms-job-service/internal/llm"
	"cms-job-service/internal/orchestrator"
	"cms-job-service/internal/publish"
	"cms-job-service/internal/repository/postgresql"
	"cms-job-service/internal/scheduler"
	"cms-job-service/internal/service"
	httptransport "cms-job-service/internal/transport/http"
	"cms-job-service/internal/worker"
)

// @title CMS Job Service API
// @version 1.0
// @description Background job orchestration: batch enrichment jobs, the multi-agent article pipeline and CMS publishing.
// @BasePath /
func main() {
	logger := &log.Logger{
		Level:      log.InfoLevel,
		TimeField:  "ts",
		TimeFormat: time.RFC3339,
		Writer:     &log.ConsoleWriter{ColorOutput: false},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Int("workers", cfg.Worker.Count).
		Str("redis_addr", cfg.Redis.Addr).
		Str("postgres_dsn", config.RedactDSN(cfg.Postgres.DSN)).
		Str("model", cfg.LLM.Model).
		Msg("starting")

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect")
	}
	defer pool.Close()

	if err := postgresql.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("postgres schema")
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis connect")
	}

	queueKey := cfg.Redis.QueueKey
	processingKey := cfg.Redis.ProcessingKey
	queue := service.NewRedisPriorityQueue(
		rdb,
		processingKey+":map",
		service.Lane{QueueKey: queueKey + ":low", ProcessingKey: processingKey + ":low"},
		service.Lane{QueueKey: queueKey + ":normal", ProcessingKey: processingKey + ":normal"},
		service.Lane{QueueKey: queueKey + ":high", ProcessingKey: processingKey + ":high"},
	)

	// Reaper: returns ids stuck in processing lists back to their queues
	// after a worker crash or restart.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := queue.RequeueStale(ctx, 100)
				if err != nil {
					logger.Error().Err(err).Msg("requeue stale")
					continue
				}
				if n > 0 {
					logger.Info().Int64("count", n).Msg("requeued stale jobs")
				}
			}
		}
	}()

	// repositories and shared event bus
	jobRepo := postgresql.NewJobRepository(pool)
	articleRepo := postgresql.NewArticleJobRepository(pool)
	bus := events.NewBus(logger)

	// LLM pipeline
	provider, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		TimeoutSeconds:    cfg.LLM.TimeoutSeconds,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("llm provider")
	}

	prices := llm.NewPriceTable(toModelPrices(cfg.LLM.Pricing))
	pipeline := orchestrator.New(articleRepo, provider, prices, bus, orchestrator.Config{
		MaxStageRetries: cfg.Pipeline.MaxStageRetries,
		RetryBackoff:    time.Duration(cfg.Pipeline.RetryBackoffMillis) * time.Millisecond,
	}, logger)

	// services
	jobSvc := service.NewJobService(jobRepo, queue, logger)
	articleSvc := service.NewArticleService(articleRepo, pipeline, service.ArticleDefaults{
		MaxIterations:    cfg.Pipeline.DefaultMaxIterations,
		QualityThreshold: cfg.Pipeline.DefaultQualityThreshold,
		TargetWordCount:  cfg.Pipeline.DefaultTargetWords,
		Model:            cfg.LLM.Model,
	}, logger)

	// publishing and auth
	publisher := publish.NewPublisher(articleRepo, publish.NewCMSClient(cfg.CMS.BaseURL, cfg.CMS.APIToken), logger)

	var verifier auth.SessionVerifier
	if cfg.Auth.SessionVerifyURL != "" {
		verifier = auth.NewHTTPSessionVerifier(cfg.Auth.SessionVerifyURL)
	}
	gate := auth.NewGate(cfg.Auth.InternalSecret, verifier)

	// batch worker pool
	registry := worker.NewRegistry(
		enrichment.NewExecutor(
			entity.JobTypeContractorEnrichment,
			enrichment.NewHTTPSource(entity.JobTypeContractorEnrichment, cfg.Enrichment.BaseURL, cfg.Enrichment.APIToken),
			jobRepo, bus, logger,
		),
		enrichment.NewExecutor(
			entity.JobTypeReviewEnrichment,
			enrichment.NewHTTPSource(entity.JobTypeReviewEnrichment, cfg.Enrichment.BaseURL, cfg.Enrichment.APIToken),
			jobRepo, bus, logger,
		),
	)
	processor := worker.NewProcessor(jobRepo, registry, bus, logger)
	workerPool := worker.NewPool(queue, processor, cfg.Worker.Count, logger)
	go workerPool.Run(ctx)

	// article scheduler
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(articleSvc, cfg.Scheduler.Schedule, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("scheduler start")
		}
		defer sched.Stop()
	}

	// HTTP
	handler := httptransport.NewHandler(jobSvc, articleSvc, publisher, gate, bus, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httptransport.Routes(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("stopped")
}

func toModelPrices(in map[string]config.ModelPrice) map[string]llm.ModelPrice {
	out := make(map[string]llm.ModelPrice, len(in))
	for model, p := range in {
		out[model] = llm.ModelPrice{InputPerMTok: p.InputPerMTok, OutputPerMTok: p.OutputPerMTok}
	}
	return out
}
