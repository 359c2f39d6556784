package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adotel/adotel/internal/config"
	"github.com/adotel/adotel/internal/devops"
	"github.com/adotel/adotel/internal/export"
	"github.com/adotel/adotel/internal/poll"
	"github.com/adotel/adotel/internal/track"
	"github.com/adotel/adotel/pkg/models"
	"github.com/adotel/adotel/pkg/mtls"
	"github.com/adotel/adotel/pkg/retry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to optional configuration file")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
		return
	}

	// Initialize logger
	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting adotel",
		zap.String("organization", cfg.DevOps.Organization),
		zap.String("backend", cfg.Backend.Endpoint),
		zap.Duration("poll_interval", cfg.Poll.Interval))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()

		// Give 30 seconds for graceful shutdown
		time.Sleep(30 * time.Second)
		logger.Error("Forced shutdown after timeout")
		os.Exit(1)
	}()

	// TLS toward the backend, when configured
	var tlsConfig *tls.Config
	if cfg.Backend.CACert != "" || cfg.Backend.ClientCert != "" || cfg.Backend.ServerName != "" {
		tlsConfig, err = mtls.ClientConfig(
			cfg.Backend.CACert,
			cfg.Backend.ClientCert,
			cfg.Backend.ClientKey,
			cfg.Backend.ServerName,
		)
		if err != nil {
			logger.Fatal("Failed to load TLS config", zap.Error(err))
		}
	}

	// Create run source client
	source := devops.NewClient(devops.Options{
		BaseURL:        cfg.DevOps.URL,
		Organization:   cfg.DevOps.Organization,
		AccessToken:    cfg.DevOps.AccessToken,
		Timeout:        cfg.DevOps.Timeout,
		CatalogRefresh: cfg.DevOps.CatalogRefresh,
	}, logger)

	// Create export client and exporter
	client := export.NewClient(export.ClientOptions{
		Endpoint:    cfg.Backend.Endpoint,
		AccessToken: cfg.Backend.AccessToken,
		Timeout:     cfg.Backend.Timeout,
		TLS:         tlsConfig,
		Retry: retry.Config{
			MaxAttempts: cfg.Export.MaxRetries,
			InitialWait: cfg.Export.RetryBackoff,
			MaxWait:     cfg.Export.RetryMaxBackoff,
			Multiplier:  2.0,
		},
	}, logger)

	exporter := export.NewExporter(client, export.Options{
		MaxBatchSize:  cfg.Export.MaxBatchSize,
		MaxBatchWait:  cfg.Export.MaxBatchWait,
		QueueSize:     cfg.Export.QueueSize,
		ShutdownGrace: cfg.Export.ShutdownGrace,
	}, logger)

	// Create poller
	tracker := track.NewTracker()
	poller := poll.NewPoller(runSource{source}, exporter, tracker, poll.Options{
		Interval:   cfg.Poll.Interval,
		Workers:    cfg.Poll.Workers,
		SeenWindow: cfg.Poll.SeenWindow,
	}, logger)

	// Start exporter in background
	go func() {
		if err := exporter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Exporter failed", zap.Error(err))
		}
	}()

	// Start poller (blocks until cancellation or fatal error)
	err = poller.Run(ctx)

	logger.Info("Delivery totals",
		zap.Int64("delivered", exporter.Delivered()),
		zap.Int64("dropped", exporter.Dropped()))

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Poller failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Agent stopped gracefully")
}

// runSource adapts the concrete client to the poller's source interface.
type runSource struct {
	*devops.Client
}

func (s runSource) Logs(ctx context.Context, run models.PipelineRun) (poll.LogIterator, error) {
	it, err := s.Client.Logs(ctx, run)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// initLogger creates a configured zap logger
func initLogger(level string, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	return loggerConfig.Build()
}
