package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pirelay/relay/internal/config"
	"github.com/pirelay/relay/internal/engine"
	"github.com/pirelay/relay/internal/gateway"
	"github.com/pirelay/relay/internal/github"
	relayhttp "github.com/pirelay/relay/internal/http"
	"github.com/pirelay/relay/internal/journal"
	"github.com/pirelay/relay/internal/registry"
	"github.com/pirelay/relay/internal/sandbox"
	"github.com/pirelay/relay/internal/sandbox/docker"
	"github.com/pirelay/relay/internal/sandbox/microvm"
	"github.com/pirelay/relay/internal/sandbox/worker"
	"github.com/pirelay/relay/internal/secrets"
	"github.com/pirelay/relay/internal/store/sqldb"
	"github.com/pirelay/relay/internal/tracing"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// The sealing key is mandatory: secrets and GitHub tokens are never
	// stored in the clear. NewCipher's error explains how to generate one.
	cipher, err := secrets.NewCipher(cfg.Encryption.Key, cfg.Encryption.KeyVersion)
	if err != nil {
		slog.Error("encryption key unusable", "error", err)
		os.Exit(1)
	}

	driver, dsn := cfg.DSN()
	stores, db, err := sqldb.NewStores(sqldb.Driver(driver), dsn)
	if err != nil {
		slog.Error("failed to open database", "driver", driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	vault := secrets.NewVault(cipher, stores.Secrets, stores.Tokens)
	jnl := journal.New(stores.Journal)
	reg := registry.New()

	var provs []sandbox.Provider
	if !cfg.Sandbox.DockerDisabled {
		dp, err := docker.New(cfg.Sandbox.StateDir, cfg.Sandbox.SecretsBaseDir)
		if err != nil {
			slog.Warn("docker backend unavailable", "error", err)
		} else {
			provs = append(provs, dp)
		}
	}
	provs = append(provs, worker.New(cfg.Sandbox.StateDir))
	if cfg.Sandbox.MicroVMSocket != "" {
		provs = append(provs, microvm.New(cfg.Sandbox.MicroVMSocket, cfg.Sandbox.SecretsBaseDir))
	}
	mgr := sandbox.NewManager(stores.Sessions, provs...)

	broker := engine.NewNativeToolBroker(reg)
	gh := github.NewClient(vault)

	models := make([]engine.Model, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models = append(models, engine.Model{Provider: m.Provider, ID: m.ID, Name: m.Name})
	}
	eng := engine.New(stores, jnl, reg, mgr, vault, broker, gh, engine.Config{
		WSEndpoint:      cfg.Relay.WSEndpoint,
		ActivateTimeout: time.Duration(cfg.Relay.ActivateTimeoutSec) * time.Second,
		GitAuthorName:   cfg.Git.AuthorName,
		GitAuthorEmail:  cfg.Git.AuthorEmail,
		Models:          models,
	})

	if err := config.Watch(ctx, cfgPath, cfg); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	}

	srv := gateway.NewServer(cfg, eng, reg, Version,
		relayhttp.NewSessionsHandler(eng, stores),
		relayhttp.NewEnvironmentsHandler(stores.Environments),
		relayhttp.NewGitHubHandler(gh, vault),
		relayhttp.NewSecretsHandler(vault),
		relayhttp.NewModelsHandler(eng),
		relayhttp.NewExtensionsHandler(stores.Extensions),
	)
	srv.SetRepoLister(gh)

	watcher := engine.NewIdleWatcher(eng, time.Duration(cfg.Relay.IdleTickSec)*time.Second)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error {
		watcher.Run(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}
