package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/duplikatd/internal/daemon"
	"github.com/fgeck/duplikatd/internal/services/engine"
	"github.com/fgeck/duplikatd/internal/services/restic"
	"github.com/fgeck/duplikatd/internal/services/stats"
	"github.com/fgeck/duplikatd/internal/services/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup daemon",
	Long: `Run the backup daemon in the foreground.

Clients connect over TCP and send one JSON request per line:
  createbackup  store a backup definition and initialize its repository
  listbackups   list definitions, then stream repository stats
  runbackup     run a backup and stream restic's JSON output`,
	RunE: serve,
}

func serve(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	basePath := cfg.Store.BasePath
	if basePath == "" {
		basePath, err = store.DefaultBasePath()
		if err != nil {
			log.Error().Err(err).Msg("failed to determine store location")
			return err
		}
	}

	log.Info().
		Str("listen", cfg.Listen).
		Str("store", basePath).
		Str("restic", cfg.Restic.Binary).
		Bool("strict", cfg.Protocol.Strict).
		Bool("telegram", cfg.Telegram != nil).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	storeSvc := store.New(log.Logger, basePath)
	resticSvc := restic.New(log.Logger, cfg.Restic.Binary)
	engineSvc := engine.New(log.Logger, storeSvc, resticSvc, cfg.Telegram)
	statsSvc := stats.New(log.Logger, storeSvc, engineSvc, cfg.Stats.Concurrency)

	listener, err := daemon.Listen(cfg.Listen)
	if err != nil {
		log.Error().Err(err).Msg("failed to start daemon")
		return err
	}

	srv := daemon.NewServer(log.Logger, listener, engineSvc, statsSvc, daemon.Options{
		Strict:      cfg.Protocol.Strict,
		MaxLineSize: cfg.Protocol.MaxLineSize,
	})
	if err := srv.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("daemon failed")
		return err
	}

	return nil
}
