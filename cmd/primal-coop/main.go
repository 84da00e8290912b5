// primal-coop is the cooperative platform core: a commit-log repository
// store with a replayable firehose, an AppView indexer, a durable
// federation outbox with signed delivery, and the membership saga.
//
// It reads configuration from coop.json (or the file named by --config or
// PRIMAL_COOP_CONFIG), connects to PostgreSQL, bootstraps the schema,
// and serves the XRPC API until SIGINT or SIGTERM.
//
// Usage:
//
//	./primal-coop                      # reads ./coop.json
//	./primal-coop --config /etc/coop.json
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/primal-host/primal-coop/internal/appview"
	"github.com/primal-host/primal-coop/internal/auth"
	"github.com/primal-host/primal-coop/internal/config"
	"github.com/primal-host/primal-coop/internal/database"
	"github.com/primal-host/primal-coop/internal/firehose"
	"github.com/primal-host/primal-coop/internal/httpsig"
	"github.com/primal-host/primal-coop/internal/identity"
	"github.com/primal-host/primal-coop/internal/logging"
	"github.com/primal-host/primal-coop/internal/membership"
	"github.com/primal-host/primal-coop/internal/outbox"
	"github.com/primal-host/primal-coop/internal/repo"
	"github.com/primal-host/primal-coop/internal/saga"
	"github.com/primal-host/primal-coop/internal/server"
)

func main() {
	var configPath, envPath string

	cmd := &cobra.Command{
		Use:           "primal-coop",
		Short:         "Run the cooperative platform server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnv(envPath); err != nil {
				return err
			}
			if !cmd.Flags().Changed("config") {
				if p := os.Getenv(config.EnvConfigPath); p != "" {
					configPath = p
				}
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "coop.json", "path to the JSON config file")
	cmd.Flags().StringVar(&envPath, "env", ".env", "path to an optional .env file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "primal-coop: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Infof("primal-coop starting (listen=%s host=%s db=%s/%s)", cfg.ListenAddr, cfg.Hostname, cfg.DBConn, cfg.DBName)

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL and bootstrap schema.
	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Database connected, schema bootstrapped")

	// Identities and keys.
	sealer, err := identity.NewSealer(cfg.KeySecret)
	if err != nil {
		return err
	}
	ids := identity.NewStore(db.Pool, sealer, cfg.Hostname, logger)
	if _, err := ids.EnsureInstance(ctx); err != nil {
		return fmt.Errorf("instance identity: %w", err)
	}
	resolver := identity.NewResolver(identity.ResolverOptions{
		PLCEndpoint: cfg.PLCEndpoint,
		CacheSize:   cfg.Identity.CacheSize,
		CacheTTL:    cfg.Identity.CacheTTL.Std(),
		Timeout:     cfg.Identity.FetchTimeout.Std(),
		RetryMax:    cfg.Identity.RetryMax,
		AllowHTTP:   cfg.Identity.AllowHTTP,
	}, logger)
	resolver.SetLocal(ids)

	// Repository store and firehose. The emitter replays from the store
	// and the store publishes to the emitter.
	repos := repo.NewStore(db.Pool, nil, logger)
	emitter := firehose.NewEmitter(repos, logger, firehose.Options{
		QueueLimit: cfg.Firehose.QueueLimit,
		ReplayPage: cfg.Firehose.ReplayPage,
	})
	defer emitter.Close()
	repos.SetPublisher(emitter)
	listener := firehose.NewListener(db.Pool, repos, emitter, logger)

	// Outbox.
	signer := httpsig.NewSigner(ids)
	deliverer := outbox.NewHTTPDeliverer(signer, cfg.Outbox.RequestTimeout.Std(), cfg.Outbox.RatePerTarget, cfg.Outbox.RateBurst)
	queue := outbox.NewStore(db.Pool)
	processor := outbox.NewProcessor(queue, deliverer, outbox.Options{
		Workers:       cfg.Outbox.Workers,
		BatchSize:     cfg.Outbox.BatchSize,
		PollInterval:  cfg.Outbox.PollInterval.Std(),
		BaseBackoff:   cfg.Outbox.BaseBackoff.Std(),
		MaxBackoff:    cfg.Outbox.MaxBackoff.Std(),
		LeaseTimeout:  cfg.Outbox.LeaseTimeout.Std(),
		Retention:     cfg.Outbox.Retention.Std(),
		RetentionCron: cfg.Outbox.RetentionCron,
		MaxAttempts:   cfg.Outbox.MaxAttempts,
	}, logger)

	deps := server.Deps{
		Repos:      repos,
		Identities: ids,
		Emitter:    emitter,
		Verifier:   httpsig.NewVerifier(resolver, cfg.Identity.SignatureSkew.Std(), logger),
		JWT:        auth.NewJWTManager(cfg.JWTSecret, ids.InstanceDID()),
		Outbox:     queue,
		Wake:       processor.Notify,
	}

	if cfg.HubURL != "" {
		deps.Membership = membership.NewService(repos,
			membership.Hub{URL: cfg.HubURL, DID: cfg.HubDID},
			deliverer, processor, saga.NewPGJournal(db.Pool), logger)
		logger.Infof("Membership requests notify hub %s (%s)", cfg.HubDID, cfg.HubURL)
	}

	var indexer *appview.Indexer
	if cfg.AppView.IndexerEnabled() {
		store, err := appview.Open(cfg.AppView.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.AppView = store

		var source appview.Source = appview.EmitterSource{Emitter: emitter}
		if cfg.AppView.FirehoseURL != "" {
			source = appview.ClientSource{Client: firehose.NewClient(cfg.AppView.FirehoseURL, firehose.EncodingCBOR)}
			logger.Infof("AppView consuming remote firehose %s", cfg.AppView.FirehoseURL)
		}
		indexer = appview.NewIndexer(store, source, cfg.AppView.Consumer, logger)
	}

	srv := server.New(cfg.ListenAddr, cfg.AdminKey, deps, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	if indexer != nil {
		g.Go(func() error { return indexer.Run(gctx) })
	}
	g.Go(func() error { return srv.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("primal-coop stopped")
	return nil
}
