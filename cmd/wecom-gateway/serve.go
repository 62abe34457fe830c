package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/wecom-gateway/internal/backend"
	"github.com/mattjoyce/wecom-gateway/internal/config"
	"github.com/mattjoyce/wecom-gateway/internal/dedupe"
	"github.com/mattjoyce/wecom-gateway/internal/events"
	"github.com/mattjoyce/wecom-gateway/internal/gateway"
	"github.com/mattjoyce/wecom-gateway/internal/lock"
	"github.com/mattjoyce/wecom-gateway/internal/log"
	"github.com/mattjoyce/wecom-gateway/internal/metrics"
	"github.com/mattjoyce/wecom-gateway/internal/msgcrypt"
	"github.com/mattjoyce/wecom-gateway/internal/storage"
	"github.com/mattjoyce/wecom-gateway/internal/wecom"
)

const dedupePruneInterval = time.Hour

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the callback gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("wecom-gateway starting", "version", version, "listen", cfg.Service.Listen)

	crypter, err := msgcrypt.New(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, cfg.WeCom.CorpID)
	if err != nil {
		return fmt.Errorf("init crypter: %w", err)
	}
	maxBody, err := config.ParseMaxBodySize(cfg.WeCom.MaxBodySize)
	if err != nil {
		return fmt.Errorf("max_body_size: %w", err)
	}

	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deduper gateway.Deduper
	if cfg.State.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		defer db.Close()
		logger.Info("database opened", "path", cfg.State.Path)

		store := dedupe.NewStore(db, cfg.State.DedupeTTL, log.WithComponent("dedupe"))
		go func() { _ = store.Start(ctx, dedupePruneInterval) }()
		deduper = store
	} else {
		logger.Warn("state.path is empty, duplicate callbacks will be processed again")
	}

	client := wecom.NewClient(wecom.ClientConfig{
		APIBase: cfg.WeCom.APIBase,
		CorpID:  cfg.WeCom.CorpID,
		Secret:  cfg.WeCom.Secret,
		AgentID: cfg.WeCom.AgentID,
		Timeout: cfg.WeCom.HTTPTimeout,
	}, log.WithComponent("wecom"))
	messenger := wecom.NewMessenger(client, log.WithComponent("wecom"))

	be, err := backend.New(cfg.Backend, cfg.WeCom.Channel, log.WithComponent("backend"))
	if err != nil {
		return err
	}
	logger.Info("backend configured", "type", cfg.Backend.Type, "timeout", cfg.Backend.Timeout.String())

	hub := events.NewHub(256)
	if cfg.Metrics.Enabled {
		go metrics.WatchLifecycle(ctx, hub)
	}

	srv := gateway.New(gateway.Config{
		Listen:         cfg.Service.Listen,
		Channel:        cfg.WeCom.Channel,
		MaxBodySize:    maxBody,
		ServiceName:    cfg.Service.Name,
		Version:        version,
		BackendTimeout: cfg.Backend.Timeout,
		MaxConcurrent:  cfg.Backend.MaxConcurrent,
		Fallback: gateway.Fallbacks{
			Timeout:     cfg.Fallback.Timeout,
			Unavailable: cfg.Fallback.Unavailable,
			Empty:       cfg.Fallback.Empty,
			Failure:     cfg.Fallback.Failure,
		},
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsToken:   cfg.Metrics.Token,
	}, gateway.Deps{
		Codec:    crypter,
		Backend:  be,
		Platform: messenger,
		Dedupe:   deduper,
		Hub:      hub,
	}, log.WithComponent("gateway"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	logger.Info("wecom-gateway running",
		"callback_path", "/webhooks/"+cfg.WeCom.Channel,
		"corp_id", cfg.WeCom.CorpID,
		"agent_id", cfg.WeCom.AgentID,
	)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		<-done
	case err := <-errCh:
		logger.Error("gateway failed", "error", err)
		cancel()
		return err
	}

	logger.Info("wecom-gateway stopped")
	return nil
}
