// Package main is the entry point for the portfolio engine. It opens
// the ledger database, wires the portfolio registry and the event bus,
// starts the platform services (HTTP API, scheduler, backups, price
// feed) and runs until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atlasalgo/portfolio-engine/internal/clients/pricefeed"
	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/database"
	"github.com/atlasalgo/portfolio-engine/internal/events"
	"github.com/atlasalgo/portfolio-engine/internal/modules/portfolio"
	"github.com/atlasalgo/portfolio-engine/internal/reliability"
	"github.com/atlasalgo/portfolio-engine/internal/scheduler"
	"github.com/atlasalgo/portfolio-engine/internal/server"
	"github.com/atlasalgo/portfolio-engine/internal/storage"
	"github.com/atlasalgo/portfolio-engine/internal/telemetry"
	"github.com/atlasalgo/portfolio-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Pretty,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting portfolio engine")

	// Ledger database: the append-only audit trail every portfolio is
	// rebuilt from
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	store, err := storage.NewLedgerStore(ledgerDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare ledger store")
	}

	eventBus := events.NewBus(log)
	service := portfolio.NewService(cfg, store, eventBus, log)

	// Prometheus collector follows the event bus for the lifetime of
	// the process
	collector := telemetry.NewCollector(eventBus, log)
	defer collector.Close()

	// Backup service is optional; without a bucket it still produces
	// and rotates local archives
	var backups *reliability.BackupService
	if cfg.Backup.Enabled {
		var s3Client *reliability.S3Client
		if cfg.Backup.Bucket != "" {
			s3Client, err = reliability.NewS3Client(context.Background(), cfg.Backup, log)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create backup storage client")
			}
		}
		backups = reliability.NewBackupService(ledgerDB, s3Client, cfg.DataDir, cfg.Backup.RetentionDays, eventBus, log)
		log.Info().Bool("remote", s3Client != nil).Msg("Backup service enabled")
	}

	// Market data feed pushes live prices into every portfolio. A
	// failed initial connection keeps retrying in the background.
	var feed *pricefeed.Client
	if cfg.PriceFeed.Enabled {
		feed = pricefeed.NewClient(cfg.PriceFeed.URL, service, log)
		if err := feed.Start(); err != nil {
			log.Warn().Err(err).Msg("Price feed not connected yet, reconnecting in background")
		}
	}

	// Background jobs: periodic snapshots, daily maintenance, daily
	// backups
	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.Schedules.SnapshotCron, scheduler.NewSnapshotJob(service, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule snapshot job")
	}
	maintenance := reliability.NewMaintenanceJob(ledgerDB, backups, cfg.DataDir, log)
	if err := sched.AddJob(cfg.Schedules.MaintenanceCron, maintenance); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule maintenance job")
	}
	if backups != nil {
		if err := sched.AddJob(cfg.Schedules.BackupCron, reliability.NewBackupJob(backups)); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backup job")
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Service:   service,
		LedgerDB:  ledgerDB,
		EventBus:  eventBus,
		Backups:   backups,
		PriceFeed: feed,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Portfolio engine started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	sched.Stop()

	if feed != nil {
		if err := feed.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping price feed")
		}
	}

	// In-flight requests get up to 10 seconds to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Portfolio engine stopped")
}
