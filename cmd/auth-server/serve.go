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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpoauth "github.com/providentiaww/trilix-authserver/cmd/auth-server/oauth"
	"github.com/providentiaww/trilix-authserver/internal/audit"
	"github.com/providentiaww/trilix-authserver/internal/config"
	"github.com/providentiaww/trilix-authserver/internal/kv"
	"github.com/providentiaww/trilix-authserver/internal/logging"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
	"github.com/providentiaww/trilix-authserver/internal/oauth"
	"github.com/providentiaww/trilix-authserver/internal/upstream"
)

const (
	shutdownTimeout = 15 * time.Second
	sweepInterval   = time.Minute
)

type serveOptions struct {
	envFile string
	listen  string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Loads configuration from AWS Secrets Manager (when
AWS_SECRETS_MANAGER_SECRET_ID is set), .env files, OAUTH_CONFIG_FILE and the
environment, then serves the OAuth endpoints until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "Path of the .env file (ENV_FILE_PATH takes precedence)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address, overrides OAUTH_LISTEN_ADDR")
	return cmd
}

func runServe(parent context.Context, opts *serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLogger, err := logging.New(logging.ConfigFromEnv())
	if err != nil {
		return err
	}
	config.LoadEnv(ctx, opts.envFile, bootLogger)

	logger, err := logging.New(logging.ConfigFromEnv())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := oauth.LoadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.listen != "" {
		cfg.ListenAddr = opts.listen
	}
	logger.Infow("starting auth-server",
		"version", Version,
		"issuer", cfg.Issuer,
		"store", cfg.Store.Backend,
		"upstream", cfg.Upstream.Type,
	)

	backend, sweeper, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	keys, err := oauth.LoadOrGenerateKeyManager(cfg.Keys, logger)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	provider, err := upstream.New(ctx, cfg.Upstream, logger)
	if err != nil {
		return fmt.Errorf("failed to configure upstream identity provider: %w", err)
	}

	auditors := audit.Multi{audit.NewLogAuditor(logger)}
	if cfg.Audit.AMQPURL != "" {
		publisher, err := audit.NewAMQPPublisher(cfg.Audit, logger)
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
		auditors = append(auditors, publisher)
	}

	m := metrics.New()
	store := oauth.NewStore(kv.NewNamespaced(backend, cfg.Store.KeyPrefix), m)
	registry := oauth.NewClientRegistry(cfg, store, auditors, m, logger)
	server := httpoauth.NewServer(cfg, httpoauth.Services{
		Store:    store,
		Keys:     keys,
		Registry: registry,
		Flow:     oauth.NewAuthorizationFlow(cfg, store, registry, provider, auditors, m, logger),
		Tokens:   oauth.NewTokenService(cfg, store, registry, keys, auditors, m, logger),
		Verifier: oauth.NewBearerVerifier(cfg, keys, store, m, logger),
		Metrics:  m,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("listening", "addr", cfg.ListenAddr, "kid", keys.KID())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if sweeper != nil {
		g.Go(func() error {
			runSweeper(gctx, sweeper, logger)
			return nil
		})
	}
	return g.Wait()
}

// openStore connects the configured backend. The returned sweeper is non-nil
// for backends that need expired rows removed.
func openStore(ctx context.Context, cfg oauth.Config) (kv.Store, *kv.PostgresStore, error) {
	switch cfg.Store.Backend {
	case oauth.BackendRedis:
		store, err := kv.NewRedisStoreFromURL(ctx, cfg.Store.RedisURL, cfg.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case oauth.BackendPostgres:
		store, err := kv.NewPostgresStore(ctx, cfg.Store.DatabaseURL, kv.PostgresOptions{OpTimeout: cfg.StoreTimeout})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case oauth.BackendMemory:
		return kv.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func runSweeper(ctx context.Context, store *kv.PostgresStore, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx)
			if err != nil {
				logger.Warnw("sweep of expired rows failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("swept expired rows", "count", n)
			}
		}
	}
}
