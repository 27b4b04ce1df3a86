package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voice-intent-pipeline/internal/blobstore"
	"voice-intent-pipeline/internal/config"
	"voice-intent-pipeline/internal/delivery"
	"voice-intent-pipeline/internal/executor"
	"voice-intent-pipeline/internal/models"
	"voice-intent-pipeline/internal/nlu"
	"voice-intent-pipeline/internal/provider"
	"voice-intent-pipeline/internal/queue"
	"voice-intent-pipeline/internal/session"
	"voice-intent-pipeline/internal/store"
	"voice-intent-pipeline/internal/telemetry"
	workerproc "voice-intent-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// A language we cannot route is fatal before any task is accepted.
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	blobs, err := blobstore.FromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal("init blob store", zap.Error(err))
	}

	q := queue.NewRedisQueue(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	providers := provider.ProvidersFromConfig(cfg)
	router := provider.NewRouter(cfg, providers, logger)

	var recognizer nlu.Recognizer = nlu.NewRuleRecognizer()
	if creds, ok := cfg.Providers["openai"]; ok && creds.APIKey != "" {
		recognizer = nlu.NewOpenAIRecognizer(creds, os.Getenv("NLU_MODEL"))
	}

	machine := session.New(nil, nil, cfg.DefaultLanguage, cfg.MinIntentConfidence)
	exec := executor.NewHTTPExecutor(cfg.ExecutorURL, cfg.ExecutorTimeout)

	gateway := delivery.NewGateway(st, logger)
	gateway.Register(models.ChannelChat, delivery.NewWebhookNotifier(cfg.ChatWebhookURL, cfg.ChatWebhookSecret, cfg.ExecutorTimeout))
	gateway.Register(models.ChannelMiniApp, delivery.NewRedisNotifier(redisClient))

	processor := workerproc.NewProcessor(cfg, q, st, blobs, router, recognizer, machine, exec, gateway, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("lease_ttl", cfg.SessionLeaseTTL))
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", zap.Error(err))
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
