package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/api"
	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/dedup"
	"github.com/socialmonitor/mention-pipeline/internal/ingest"
	"github.com/socialmonitor/mention-pipeline/internal/matcher"
	"github.com/socialmonitor/mention-pipeline/internal/notifications"
	"github.com/socialmonitor/mention-pipeline/internal/pipeline"
	"github.com/socialmonitor/mention-pipeline/internal/rules"
	"github.com/socialmonitor/mention-pipeline/internal/scheduler"
	"github.com/socialmonitor/mention-pipeline/internal/sources"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.NewEntry(logrus.StandardLogger())

	logrus.Info("Starting mention pipeline")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize audit storage: %v", err)
	}

	metrics := pipeline.NewMetrics()

	audit := notifications.NewBlobAuditSink(blobs)
	dispatcher := notifications.NewDispatcher(
		store,
		notifications.NewPreferenceResolver(store, logger),
		notifications.NewSenders(cfg.SMTP, cfg.Channels),
		audit,
		cfg.Dispatcher,
		logger,
	)
	dispatcher.OnResult(metrics.ObserveDelivery)

	evaluator := rules.New(store, dispatcher, cfg.Evaluator, logger)
	p := pipeline.New(
		dedup.New(store, cfg.Dedup, logger),
		matcher.New(store, cfg.Matcher, logger),
		evaluator,
		store,
		cfg.Pipeline,
		metrics,
		logger,
	)
	p.Start()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	var consumer *ingest.KafkaConsumer
	consumeDone := make(chan struct{})
	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err = ingest.NewKafkaConsumer(cfg.Kafka, p, logger)
		if err != nil {
			logrus.Fatalf("Failed to initialize Kafka consumer: %v", err)
		}
		go func() {
			defer close(consumeDone)
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.Errorf("Kafka consumer stopped: %v", err)
			}
		}()
	} else {
		close(consumeDone)
		logrus.Info("No Kafka brokers configured, ingest consumer disabled")
	}

	collector := sources.NewCollector(
		[]sources.Source{
			sources.NewHackerNewsSource(cfg.Collectors.HackerNewsEnabled),
			sources.NewStackOverflowSource(cfg.Collectors.StackOverflowEnabled, cfg.Collectors.StackOverflowTags),
			sources.NewTwitterSource(cfg.Collectors.TwitterBearerToken),
			sources.NewRedditSource(cfg.Collectors.RedditClientID, cfg.Collectors.RedditClientSecret, cfg.Collectors.RedditSubreddits),
		},
		p,
		cfg.Collectors.Keywords,
		cfg.Collectors.Lookback,
		logger,
	)

	schedulerService := scheduler.NewService(ctx, scheduler.Jobs{
		CollectSchedule:  cfg.Collectors.Schedule,
		Collector:        collector,
		Recoverer:        dispatcher,
		Pruner:           evaluator,
		Redeliverer:      evaluator,
		Archive:          audit,
		ArchiveRetention: cfg.AuditRetention,
	}, logger)
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	var trigger func()
	if collector.Enabled() {
		trigger = schedulerService.Collect
	}
	handlers := api.NewHandlers(p, dispatcher, store, audit, metrics.Registry, trigger, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handlers.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	schedulerService.Stop()

	// Stop intake before draining the stages so no accepted mention is lost.
	stop()
	<-consumeDone
	if consumer != nil {
		consumer.Close()
	}
	if err := p.Stop(shutdownCtx); err != nil {
		logrus.Errorf("Pipeline did not drain: %v", err)
	}
	<-dispatchDone

	logrus.Info("Pipeline exited")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	}

	logrus.Warn("DATABASE_URL not set, using in-memory store")
	store := storage.NewMemoryStore()
	if cfg.SeedFile != "" {
		if err := store.LoadSeed(cfg.SeedFile); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	if cfg.StorageAccount != "" {
		return storage.NewAzureBlobStore(ctx, cfg.StorageAccount, cfg.StorageContainer)
	}
	logrus.Warn("AZURE_STORAGE_ACCOUNT not set, keeping the audit archive in memory")
	return storage.NewMemoryBlobStore(), nil
}
