package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/anmzahid/Hear2Help/internal/audio"
	"github.com/anmzahid/Hear2Help/internal/classifier"
	"github.com/anmzahid/Hear2Help/internal/config"
	"github.com/anmzahid/Hear2Help/internal/metrics"
	"github.com/anmzahid/Hear2Help/internal/server"
	"github.com/anmzahid/Hear2Help/internal/stream"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket audio service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Configuration summary without the API key
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Addr()),
		slog.String("websocket_path", cfg.Server.WebSocketPath),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("window_seconds", cfg.Audio.WindowSeconds),
		slog.Bool("allow_resample", cfg.Audio.AllowResample),
		slog.String("classifier_endpoint", cfg.Classifier.Endpoint),
		slog.String("classifier_model", cfg.Classifier.Model),
		slog.String("class_map", cfg.Classifier.ClassMap),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	model, clf, err := buildClassifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer model.Close()
	logger.Info("Classifier initialized",
		slog.Int("classes", len(clf.Labels())),
		slog.String("endpoint", cfg.Classifier.Endpoint),
	)

	streamMgr, err := stream.NewManager(logger, managerConfig(cfg), clf, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create stream manager: %w", err)
	}
	logger.Info("Stream manager initialized",
		slog.Duration("idle_timeout", cfg.Server.GetIdleTimeout()),
		slog.Duration("window", cfg.Audio.GetWindowDuration()),
	)

	httpServer := server.NewHTTPServer(cfg, logger, streamMgr, clf, model, appMetrics, registry)
	if err := httpServer.Start(); err != nil {
		streamMgr.Stop()
		return err
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	// Stop accepting connections first, then end the running sessions
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	streamMgr.Stop()

	stats := clf.GetStats()
	logger.Info("Final classifier statistics",
		slog.Uint64("total_windows", stats.TotalWindows),
		slog.Uint64("failed_windows", stats.FailedWindows),
		slog.Duration("avg_latency", stats.AvgLatency),
	)

	logger.Info("Service stopped")
	return nil
}

// buildClassifier connects the inference client and loads the vocabulary
func buildClassifier(ctx context.Context, cfg *config.Config) (*classifier.RemoteModel, *classifier.Classifier, error) {
	model, err := classifier.NewRemoteModel(classifier.RemoteConfig{
		Endpoint:      cfg.Classifier.Endpoint,
		Model:         cfg.Classifier.Model,
		ScoresOutput:  cfg.Classifier.ScoresOutput,
		APIKey:        cfg.Classifier.APIKey,
		Timeout:       cfg.Classifier.GetTimeoutDuration(),
		MaxRetries:    cfg.Classifier.MaxRetries,
		MaxConcurrent: cfg.Classifier.MaxConcurrent,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create inference client: %w", err)
	}

	labels, err := classifier.LoadClassMap(ctx, cfg.Classifier.ClassMap)
	if err != nil {
		model.Close()
		return nil, nil, err
	}

	clf, err := classifier.New(model, labels)
	if err != nil {
		model.Close()
		return nil, nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	return model, clf, nil
}

func managerConfig(cfg *config.Config) stream.ManagerConfig {
	return stream.ManagerConfig{
		Window: audio.WindowConfig{
			SampleRate:     cfg.Audio.SampleRate,
			WindowDuration: cfg.Audio.GetWindowDuration(),
			SampleWidth:    cfg.Audio.BitDepth / 8,
		},
		MaxSessions:   cfg.Server.MaxConcurrentStreams,
		AllowResample: cfg.Audio.AllowResample,
		IdleTimeout:   cfg.Server.GetIdleTimeout(),
	}
}
