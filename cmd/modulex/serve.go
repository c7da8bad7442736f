package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modulex-go/internal/auth"
	"modulex-go/internal/config"
	"modulex-go/internal/crypto"
	"modulex-go/internal/dispatch"
	"modulex-go/internal/execenv"
	"modulex-go/internal/httpapi"
	"modulex-go/internal/logs"
	"modulex-go/internal/oauth"
	"modulex-go/internal/observability"
	"modulex-go/internal/secret"
	"modulex-go/internal/statestore"
	"modulex-go/internal/storage"
	"modulex-go/internal/tools"
)

const shutdownTimeout = 15 * time.Second

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	if err := resolveSecrets(cmd.Context(), cfg); err != nil {
		return err
	}
	sugar.Infow("configuration loaded", "config", cfg.Redacted())

	cryptoProvider, err := crypto.NewProvider(cfg.ServerSecret)
	if err != nil {
		return fmt.Errorf("initializing encryption: %w", err)
	}

	store, err := storage.NewManager(cfg.DataDir, cryptoProvider, sugar)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	expiring, err := statestore.New(store.DB(), logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer expiring.Close()

	states := oauth.NewStateManager(expiring, cfg.OAuth.StateTTL, logger)
	engine := oauth.NewEngine(oauth.DefaultRegistry(cfg.OAuth), nil, logger)
	authSvc := auth.NewService(cfg, store, engine, states, sugar)

	registry := tools.NewRegistry(cfg.IntegrationsDir, sugar)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxConcurrent: int64(cfg.Execution.MaxConcurrent),
		MaxQueue:      int64(cfg.Execution.MaxQueue),
		Timeout:       cfg.Execution.Timeout,
		Interpreter:   cfg.Execution.Interpreter,
	}, store, registry, execenv.NewBuilder(), sugar)

	metrics := observability.NewMetricsManager(sugar)
	dispatcher.SetMetrics(metrics)
	authSvc.SetMetrics(metrics)
	store.SetOpsRecorder(metrics)

	health := observability.NewHealthManager()
	health.Register(observability.NewDatabaseHealthChecker("storage", store.DB()))
	health.Register(observability.NewDispatcherHealthChecker("dispatcher", int64(cfg.Execution.MaxQueue), dispatcher.Counters))

	api := httpapi.NewServer(cfg, authSvc, dispatcher, registry, metrics, health, sugar)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("http server starting", "listen", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	sugar.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http shutdown incomplete", "error", err)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// resolveSecrets expands ${env:...} and ${keyring:...} references in the
// server secret and OAuth client secrets.
func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	resolver := secret.NewResolver()

	expanded, err := resolver.Expand(ctx, cfg.ServerSecret)
	if err != nil {
		return fmt.Errorf("resolving server secret: %w", err)
	}
	cfg.ServerSecret = expanded

	for name, cred := range cfg.OAuth.Providers {
		if cred == nil {
			continue
		}
		if cred.ClientSecret, err = resolver.Expand(ctx, cred.ClientSecret); err != nil {
			return fmt.Errorf("resolving client secret for %s: %w", name, err)
		}
		if cred.ClientID, err = resolver.Expand(ctx, cred.ClientID); err != nil {
			return fmt.Errorf("resolving client id for %s: %w", name, err)
		}
	}
	return nil
}
