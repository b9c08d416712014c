package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rickgao/bfx-token-renewal/internal/api"
	"github.com/rickgao/bfx-token-renewal/internal/auth"
	"github.com/rickgao/bfx-token-renewal/internal/config"
	"github.com/rickgao/bfx-token-renewal/internal/connection"
	"github.com/rickgao/bfx-token-renewal/internal/database"
	"github.com/rickgao/bfx-token-renewal/internal/journal"
	"github.com/rickgao/bfx-token-renewal/internal/metrics"
	"github.com/rickgao/bfx-token-renewal/internal/plugin"
	"github.com/rickgao/bfx-token-renewal/internal/renewal"
	"github.com/rickgao/bfx-token-renewal/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/renewer.local.yaml", "path to config file")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting renewer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err = newLogger(cfg.Logging, os.Stdout)
	if err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}
	logger = logger.With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"api_url", cfg.API.RestURL,
		"ws_url", cfg.API.WSURL,
		"connections", cfg.Connections.Count,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("renewer failed", "error", err)
		os.Exit(1)
	}

	logger.Info("renewer stopped")
}

func run(ctx context.Context, cfg *config.RenewerConfig, logger *slog.Logger) error {
	creds, err := auth.LoadCredentials(cfg.API.APIKey, cfg.API.APISecret)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	apiClient := api.NewClient(
		cfg.API.RestURL,
		api.WithCredentials(creds),
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	provider := api.NewTokenProvider(apiClient, tokenOptions(cfg.Token),
		api.WithRateLimit(rate.Limit(cfg.API.RateLimit), cfg.API.RateBurst),
		api.WithRequestTimeout(cfg.Renewal.RefreshTimeout),
		api.WithProviderLogger(logger),
	)

	m := metrics.New()
	observers := renewal.Observers{m}

	// Optional renewal journal
	var writer *journal.Writer
	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Database.Host,
			"port", cfg.Journal.Database.Port,
			"database", cfg.Journal.Database.Name,
		)

		db, err := database.Connect(ctx, cfg.Journal.Database, cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer db.Close()

		if err := journal.EnsureSchema(ctx, db); err != nil {
			return err
		}

		writer = journal.NewWriter(journal.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, db, logger.With("component", "journal"))
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			writer.Stop(stopCtx)
		}()

		observers = append(observers, writer)
	}

	sched := renewal.New(renewal.Config{
		MaxRetries:     cfg.Renewal.MaxRetries,
		RetryInterval:  cfg.Renewal.RetryInterval,
		RenewThreshold: cfg.Renewal.RenewThreshold,
		RefreshTimeout: cfg.Renewal.RefreshTimeout,
		TokenTTL:       cfg.Token.TTL,
	}, provider,
		renewal.WithLogger(logger.With("component", "renewal")),
		renewal.WithObserver(observers),
	)
	tokenPlugin := plugin.New(sched)
	defer tokenPlugin.Close()

	pool := connection.NewPool(connection.PoolConfig{
		Client: connection.ClientConfig{
			URL:          cfg.API.WSURL,
			PingTimeout:  cfg.Connections.PingTimeout,
			PingInterval: cfg.Connections.PingInterval,
			WriteTimeout: cfg.Connections.WriteTimeout,
		},
		Count:             cfg.Connections.Count,
		ReconnectBaseWait: cfg.Connections.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Connections.ReconnectMaxDelay,
		MessageBufferSize: cfg.Connections.BufferSize,
	}, logger.With("component", "connection"), tokenPlugin)
	m.RegisterPool(pool)

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, m.Handler())
	mux.Handle("/", createHealthHandler(sched, pool, logger))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start connection pool: %w", err)
	}

	logger.Info("renewer running",
		"plugin", tokenPlugin.ID(),
		"type", tokenPlugin.Type(),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logEvents(gctx, pool.Events(), logger)
		return nil
	})

	g.Go(func() error {
		discardMessages(gctx, pool.Messages())
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		server.Shutdown(shutdownCtx)
		return pool.Stop(shutdownCtx)
	})

	return g.Wait()
}

// newLogger builds the configured slog handler.
func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func tokenOptions(cfg config.TokenConfig) api.TokenOptions {
	return api.TokenOptions{
		Scope:           cfg.Scope,
		WritePermission: cfg.WritePermissionEnabled(),
		TTL:             cfg.TTL,
		Caps:            cfg.Caps,
	}
}

// logEvents surfaces connection events, including renewal errors, in the log.
func logEvents(ctx context.Context, events <-chan connection.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logger.Warn("connection event",
				"conn_id", ev.ConnID,
				"event", ev.Name,
				"message", ev.Message,
			)
		}
	}
}

// discardMessages keeps the merged message channel from filling up. The renewer
// has no use for channel data.
func discardMessages(ctx context.Context, messages <-chan connection.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-messages:
		}
	}
}
