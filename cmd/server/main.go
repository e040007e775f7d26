package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/neuroscan-api/internal/analysis"
	"github.com/Brownie44l1/neuroscan-api/internal/chat"
	"github.com/Brownie44l1/neuroscan-api/internal/config"
	"github.com/Brownie44l1/neuroscan-api/internal/handlers"
	"github.com/Brownie44l1/neuroscan-api/internal/logging"
	"github.com/Brownie44l1/neuroscan-api/internal/model"
	"github.com/Brownie44l1/neuroscan-api/internal/store"
	"go.uber.org/zap"
)

func main() {
	defaultConfig := os.Getenv("NEUROSCAN_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	records, err := store.Open(cfg.Data.Dir)
	if err != nil {
		logger.Fatal("failed to open data directory", zap.String("dir", cfg.Data.Dir), zap.Error(err))
	}

	models := model.Load(model.Config{
		Dir:                cfg.Models.Dir,
		SegmentationFile:   cfg.Models.Segmentation,
		ClassificationFile: cfg.Models.Classification,
		LibraryPath:        cfg.Models.OnnxRuntimeLibrary,
	}, logger)
	defer models.Close()

	relay := chat.NewRelay(
		chat.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout),
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		logger,
	)

	analyzer := analysis.NewAnalyzer(models, records, cfg.Data.RecordScans, logger)
	handler := handlers.NewHandler(models, analyzer, relay, records, cfg.HTTP.MaxBodyBytes, logger)

	server := handlers.NewServer(handlers.ServerConfig{
		Port:         cfg.HTTP.Port,
		CORSOrigin:   cfg.HTTP.CORSOrigin,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, handler, logger)

	logger.Info("service ready",
		zap.Bool("segmentation_model_loaded", models.SegmentationReady()),
		zap.Bool("classification_model_loaded", models.ClassificationReady()),
		zap.String("data_dir", records.Root()),
		zap.Bool("openai_available", relay.Configured()),
		zap.Strings("classes", model.Labels))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		if err := server.Stop(); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}
}
