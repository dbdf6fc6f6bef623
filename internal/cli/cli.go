// ============================================================================
// Trackingproc CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Assemble the run, reset-tokens, and status subcommands on
//          Cobra, with YAML configuration and signal-driven shutdown.
//
// Responsibilities:
//   - Load and validate YAML configuration into a typed Config
//   - Wire a Processor from that config: event store, token store,
//     invoker, error handler, monitor, metrics registry
//   - Run: start the processor, block on SIGINT/SIGTERM, shut down
//   - reset-tokens: fail fast if the processor would refuse the reset
//   - status: print the configuration and each segment's stored token
//
// Usage:
//   trackingproc run --config trackingproc.yaml
//   trackingproc reset-tokens --config trackingproc.yaml
//   trackingproc status --config trackingproc.yaml
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/trackingproc/internal/eventprocessor"
	"github.com/ChuLiYu/trackingproc/internal/metrics"
	"github.com/ChuLiYu/trackingproc/internal/tokenstore"
	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trackingproc",
		Short: "trackingproc: a distributed tracking event processor",
		Long: `trackingproc reads an ordered event stream through claimed,
splittable segments, committing a batch of handler invocations and its
tracking token together so restarts resume exactly where they left off.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildResetTokensCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the tracking event processor",
		Long:  "Load configuration, open the token store, and process the event stream until a shutdown signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.Default().With("processor", cfg.Processor.Name)
	logger.Info("starting trackingproc", "config", configFile)

	ownerID := fmt.Sprintf("%s-%d", hostname(), os.Getpid())

	store, err := tokenstore.NewFileTokenStore(cfg.TokenStore.Dir, ownerID, cfg.claimTimeout(), tokenstore.JSONTokenCodec{})
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}

	source := eventstream.NewInMemoryEventStore()
	defer source.Close()

	var monitor eventstream.MessageMonitor
	var metricsServer *metrics.Server
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg, cfg.Processor.Name)
		monitor = collector
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), reg)
	}

	proc := eventprocessor.New(eventprocessor.Config{
		ProcessorName:       cfg.Processor.Name,
		Source:              source,
		Store:               store,
		TxManager:           eventstream.NoOpTransactionManager{},
		Invoker:             newLoggingInvoker(logger),
		ErrorHandler:        newLoggingErrorHandler(logger),
		Monitor:             monitor,
		MaxThreadCount:      cfg.Processor.MaxThreadCount,
		InitialSegmentCount: cfg.Processor.InitialSegmentCount,
		BatchSize:           cfg.Processor.BatchSize,
		Logger:              logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsServer != nil {
		go func() {
			if err := metricsServer.Run(ctx); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server listening", "port", cfg.Metrics.Port)
	}

	go runDemoProducer(ctx, source, 200*time.Millisecond)
	go runPeriodicSnapshot(ctx, store, cfg.snapshotInterval(), logger)
	if collector != nil {
		go runActiveSegmentsReporter(ctx, proc, collector, time.Second)
	}

	proc.Start(ctx)
	logger.Info("processor started")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining segments")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := proc.ShutDown(shutdownCtx); err != nil {
		logger.Warn("processor shutdown did not complete cleanly", "error", err)
	}

	if err := store.Close(context.Background()); err != nil {
		return fmt.Errorf("failed to close token store: %w", err)
	}

	logger.Info("trackingproc stopped")
	return nil
}

func runPeriodicSnapshot(ctx context.Context, store *tokenstore.FileTokenStore, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Snapshot(ctx); err != nil {
				logger.Warn("periodic snapshot failed", "error", err)
			}
		}
	}
}

func runActiveSegmentsReporter(ctx context.Context, proc *eventprocessor.Processor, collector *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SetActiveSegments(proc.ActiveSegmentCount())
		}
	}
}

func buildResetTokensCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-tokens",
		Short: "Reset every segment's token to replay from the start",
		Long:  "Fails if any segment is currently claimed locally, or the invoker does not support reset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetTokens()
		},
	}
}

func resetTokens() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.Default().With("processor", cfg.Processor.Name)
	ownerID := fmt.Sprintf("%s-%d", hostname(), os.Getpid())

	store, err := tokenstore.NewFileTokenStore(cfg.TokenStore.Dir, ownerID, cfg.claimTimeout(), tokenstore.JSONTokenCodec{})
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer store.Close(context.Background())

	proc := eventprocessor.New(eventprocessor.Config{
		ProcessorName: cfg.Processor.Name,
		Source:        eventstream.NewInMemoryEventStore(),
		Store:         store,
		TxManager:     eventstream.NoOpTransactionManager{},
		Invoker:       newLoggingInvoker(logger),
		ErrorHandler:  newLoggingErrorHandler(logger),
		Logger:        logger,
	})

	if err := proc.ResetTokens(context.Background()); err != nil {
		return fmt.Errorf("failed to reset tokens: %w", err)
	}

	fmt.Println("Tokens reset. Every segment will replay from the start of the stream.")
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show token store status",
		Long:  "Display configuration and the current segment/claim table for the configured processor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ownerID := fmt.Sprintf("%s-%d", hostname(), os.Getpid())
	store, err := tokenstore.NewFileTokenStore(cfg.TokenStore.Dir, ownerID, cfg.claimTimeout(), tokenstore.JSONTokenCodec{})
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer store.Close(context.Background())

	ctx := context.Background()
	ids, err := store.FetchSegments(ctx, cfg.Processor.Name)
	if err != nil {
		return fmt.Errorf("failed to fetch segments: %w", err)
	}

	fmt.Println("trackingproc status")
	fmt.Println("--------------------")
	fmt.Printf("Config file:          %s\n", configFile)
	fmt.Printf("Processor name:       %s\n", cfg.Processor.Name)
	fmt.Printf("Max thread count:     %d\n", cfg.Processor.MaxThreadCount)
	fmt.Printf("Initial segments:     %d\n", cfg.Processor.InitialSegmentCount)
	fmt.Printf("Batch size:           %d\n", cfg.Processor.BatchSize)
	fmt.Printf("Token store dir:      %s\n", cfg.TokenStore.Dir)
	fmt.Println()

	if len(ids) == 0 {
		fmt.Println("No segments initialized yet. They are created on first `run`.")
	} else {
		fmt.Printf("Segments (%d):\n", len(ids))
		for _, id := range ids {
			token, err := store.FetchToken(ctx, cfg.Processor.Name, id)
			if err != nil {
				fmt.Printf("  segment %d: claim unavailable (%v)\n", id, err)
				continue
			}
			if err := store.ReleaseClaim(ctx, cfg.Processor.Name, id); err != nil {
				fmt.Printf("  segment %d: failed to release probe claim (%v)\n", id, err)
				continue
			}
			if token == nil {
				fmt.Printf("  segment %d: no token stored yet\n", id)
			} else {
				fmt.Printf("  segment %d: token=%s\n", id, token.String())
			}
		}
	}
	fmt.Println()

	if cfg.Metrics.Enabled {
		fmt.Printf("Metrics:              enabled on :%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("Metrics:              disabled")
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}
