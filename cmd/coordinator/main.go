package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/api"
	"github.com/whistle-net/coordinator/internal/billing"
	"github.com/whistle-net/coordinator/internal/config"
	"github.com/whistle-net/coordinator/internal/dispatch"
	"github.com/whistle-net/coordinator/internal/epoch"
	"github.com/whistle-net/coordinator/internal/ingest"
	"github.com/whistle-net/coordinator/internal/models"
	"github.com/whistle-net/coordinator/internal/prom"
	"github.com/whistle-net/coordinator/internal/registry"
	"github.com/whistle-net/coordinator/internal/rewards"
	"github.com/whistle-net/coordinator/internal/settlement"
	"github.com/whistle-net/coordinator/internal/utils"
)

func main() {
	logger := utils.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Postgres when configured, embedded sqlite otherwise.
	var dialector gorm.Dialector
	if cfg.DatabaseURL != "" {
		dialector = postgres.Open(cfg.DatabaseURL)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			logger.Fatalf("Failed to create data directory: %v", err)
		}
		dialector = sqlite.Open(cfg.DBPath)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatalf("Failed to get database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := models.Migrate(db); err != nil {
		logger.Fatalf("Failed to migrate database schema: %v", err)
	}

	prom.Init()

	reg := registry.New(db, logger)
	ingestor := ingest.New(db, logger)
	epochs := epoch.NewManager(db, logger, rewards.Config{
		Pool:            cfg.RewardPool,
		RequestsWeight:  cfg.RequestsWeight,
		BytesWeight:     cfg.BytesWeight,
		TierMultipliers: cfg.TierMultipliers,
		UptimeBands:     cfg.UptimeBands,
	}, cfg.EpochDuration)
	hub := dispatch.NewHub(db, logger, reg, ingestor, cfg.DispatchTTL, cfg.TierMultipliers)
	ledger := billing.NewLedger(db, logger, cfg.QueryCostLamports, cfg.FreeTierQueries, cfg.DefaultRateLimit, cfg.FailOpenOnStoreError)
	settler := settlement.NewWriter(db, logger)

	if _, err := epochs.EnsureActive(); err != nil {
		logger.Fatalf("Failed to open initial epoch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go epochs.Run(ctx, time.Minute)
	go hub.Run(ctx, 5*time.Second)
	if cfg.EnableOnchainSettlement {
		go settler.Run(ctx, cfg.SettlementInterval)
	}
	go func() {
		ticker := time.NewTicker(cfg.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := reg.SweepStale(cfg.StaleWindow()); err != nil {
					logger.WithError(err).Error("stale sweep failed")
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := ingestor.Prune(cfg.MetricsRetention); err != nil {
					logger.WithError(err).Error("metrics prune failed")
				} else if n > 0 {
					logger.WithField("deleted", n).Info("pruned old metrics reports")
				}
			}
		}
	}()

	server := api.New(cfg, db, logger, reg, ingestor, epochs, hub, ledger, settler)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("Starting coordinator on %s (ws on /ws)", addr)
		if err := server.Router().Run(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to run API server: %v", err)
		}
	}()

	<-stop

	logger.Info("Shutting down...")
	cancel()
	sqlDB.Close()
}
