package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jo-hoe/imagetrends/internal/backend/imageprep"
	"github.com/jo-hoe/imagetrends/internal/backend/jobs"
	"github.com/jo-hoe/imagetrends/internal/backend/moderation"
	"github.com/jo-hoe/imagetrends/internal/common/logging"
	"github.com/jo-hoe/imagetrends/internal/common/tracing"
	"github.com/jo-hoe/imagetrends/internal/core"
)

const tracerName = "github.com/jo-hoe/imagetrends/internal/backend/jobs"

func main() {
	if err := run(); err != nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := core.ConfigPath()
	config, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}

	loggers, err := logging.OpenLoggers(config.Logging.ApplicationLog, config.Logging.TracingLog, config.Logging.Level)
	if err != nil {
		return err
	}
	defer func() {
		if err := loggers.Close(); err != nil {
			slog.Error("failed to close log files", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: config.Application,
		Enabled:     config.Tracing.Enabled,
		Endpoint:    config.Tracing.Endpoint,
	}, loggers.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	coreService, err := core.NewCoreService(config, loggers.Application)
	if err != nil {
		return err
	}
	defer func() {
		if err := coreService.Close(); err != nil {
			slog.Error("core service close error", "error", err)
		}
	}()

	prepareOptions := config.PrepareOptions()
	prepareOptions.Logger = loggers.Application
	detector, err := moderation.NewRekognitionDetector(moderation.RekognitionConfig{
		Region:   config.Moderation.Region,
		Endpoint: config.Moderation.Endpoint,
	}, imageprep.NewPreparer(prepareOptions), loggers.Application)
	if err != nil {
		return err
	}

	handler := jobs.NewModerationLabelHandler(jobs.Dependencies{
		Store:       coreService.Database(),
		Storage:     coreService.BlobStorage(),
		Detector:    detector,
		Recorder:    tracing.NewRecorder(provider.Tracer(tracerName)),
		Logger:      loggers.Application,
		SegmentName: config.Tracing.SegmentName,
	})

	slog.Info("worker started", "queue", config.Queue.Type, "workers", config.Queue.Workers)
	if err := coreService.Queue().Consume(ctx, handler.Handle); err != nil {
		return err
	}
	slog.Info("shutdown signal received")
	return nil
}
