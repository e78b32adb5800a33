// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/craftscan/craftscan/pkg/config"
	"github.com/craftscan/craftscan/pkg/event"
	"github.com/craftscan/craftscan/pkg/ingest"
	"github.com/craftscan/craftscan/pkg/metrics"
	"github.com/craftscan/craftscan/pkg/notify"
	"github.com/craftscan/craftscan/pkg/processing"
	"github.com/craftscan/craftscan/pkg/processing/fingerprinting"
	"github.com/craftscan/craftscan/pkg/processing/minecraft"
	"github.com/craftscan/craftscan/pkg/storage"
	"github.com/craftscan/craftscan/pkg/tcpsig"
)

func newRunCommand(a *app) *cobra.Command {
	var lockPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest scan results and process them into storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), a, cmd.Flags(), lockPath)
		},
	}

	cmd.Flags().StringVar(&lockPath, "lock-file",
		filepath.Join(os.TempDir(), "craftscan.lock"),
		"Lock file guaranteeing a single running instance")
	config.BindRunFlags(cmd.Flags())

	return cmd
}

func runPipeline(ctx context.Context, a *app, flags *pflag.FlagSet, lockPath string) error {
	cfg := a.manager.Get()

	// two processors against one database corrupt the dedup decisions
	runLock := flock.New(lockPath)
	locked, err := runLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("another craftscan instance holds %s", lockPath)
	}
	defer func() { _ = runLock.Unlock() }()

	// a bad signature is a configuration error, nothing to do but abort
	template, err := tcpsig.Parse(cfg.Fingerprint.Signature, cfg.Fingerprint.MSS)
	if err != nil {
		return fmt.Errorf("parse tcp signature: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.New()
	webhook := notify.NewWebhook(cfg.Snipe.WebhookURL)
	bus.Subscribe(event.TopicWebhookAlert, webhook.HandleAlert)
	bus.Subscribe(event.TopicBadAddressPromoted, func(_ context.Context, data any) {
		if notice, ok := data.(event.PromotionNotice); ok {
			log.Info().Str("ip", notice.Addr).Uint64("hash", notice.Hash).Msg("bad address recorded")
		}
	})

	store, err := storage.Connect(ctx, storage.Options{
		URI:         cfg.Mongo.URI,
		Database:    cfg.Mongo.Database,
		PrimaryPort: cfg.Target.Port,
		Bus:         bus,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()

	service := processing.NewService(processing.Options{
		Sink:            store,
		Workers:         cfg.Processing.Workers,
		QueueSize:       cfg.Processing.QueueSize,
		FlushInterval:   cfg.Processing.FlushInterval,
		FlushMaxUpdates: cfg.Processing.FlushMaxUpdates,
	})

	status := minecraft.NewProcessor(store, processing.NewHistory(), bus)
	status.SetSnipe(minecraft.SnipeOptions{
		Enabled:     cfg.Snipe.Enabled,
		Usernames:   cfg.Snipe.Usernames,
		AnonPlayers: cfg.Snipe.AnonPlayers,
	})
	service.Register(processing.ProtocolMinecraft, status)
	if cfg.Fingerprint.Enabled {
		service.Register(processing.ProtocolMinecraftFingerprint, fingerprinting.New())
	}

	maintenance := storage.NewMaintenance(store, storage.DefaultMaintenanceInterval)
	maintenance.Start(ctx)
	defer maintenance.Stop()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	// hot-reload the snipe lists and webhook target on config file edits
	if a.configFile != "" {
		watcher, err := watchConfig(ctx, a, flags, func(updated config.Config) {
			status.SetSnipe(minecraft.SnipeOptions{
				Enabled:     updated.Snipe.Enabled,
				Usernames:   updated.Snipe.Usernames,
				AnonPlayers: updated.Snipe.AnonPlayers,
			})
			webhook.SetURL(updated.Snipe.WebhookURL)
		})
		if err != nil {
			return fmt.Errorf("watch config file: %w", err)
		}
		defer func() { _ = watcher.Close() }()
	}

	service.Start(ctx)
	defer service.Stop()

	feed := ingest.NewServer(
		cfg.Ingest.Listen,
		ingest.NewHello(template, cfg.Target.Port, cfg.Target.ProtocolVersion),
		service,
	)
	return feed.Run(ctx)
}

// watchConfig builds the config file watcher and runs its blocking event
// loop on its own goroutine. The caller closes the returned watcher on
// shutdown.
func watchConfig(ctx context.Context, a *app, flags *pflag.FlagSet, onReload func(config.Config)) (*config.FileWatcher, error) {
	watcher, err := config.NewFileWatcher(a.manager, a.configFile,
		func() []config.ConfigSource { return a.sources(flags) },
		onReload,
		log.With().Str("component", "config").Logger(),
	)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("file", a.configFile).Msg("config watcher stopped")
		}
	}()
	return watcher, nil
}
