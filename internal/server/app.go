// Package server initializes and runs the transit daemon: it opens the
// queue store, runs migrations, and starts the per-tenant delivery and
// admission workers plus the recovery sweeper, with graceful shutdown on
// SIGINT/SIGTERM.
package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/homebase-id/odin-transit/internal/logging"
	"github.com/homebase-id/odin-transit/internal/server/backoff"
	"github.com/homebase-id/odin-transit/internal/server/config"
	"github.com/homebase-id/odin-transit/internal/server/filter"
	"github.com/homebase-id/odin-transit/internal/server/inbox"
	"github.com/homebase-id/odin-transit/internal/server/outbox"
	"github.com/homebase-id/odin-transit/internal/server/peer"
	"github.com/homebase-id/odin-transit/internal/server/recovery"
	"github.com/homebase-id/odin-transit/internal/server/repositories/repomanager"
	"github.com/homebase-id/odin-transit/internal/server/staging"
	"github.com/homebase-id/odin-transit/internal/server/wake"
	"github.com/homebase-id/odin-transit/internal/server/worker"
)

type App struct {
	config *config.Config
	logger logging.Logger

	db        *sql.DB
	repos     repomanager.RepositoryManager
	wake      *wake.Registry
	masterKey []byte

	outboxService *outbox.Service
	inboxService  *inbox.Service
	recovery      *recovery.Service

	outboxWorkers []*worker.OutboxWorker
	inboxWorkers  []*worker.InboxWorker
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	masterKey, err := hex.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("malformed master key: %w", err)
	}
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("master key too short: %d bytes", len(masterKey))
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("db unreachable: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	store, err := staging.NewS3Store(ctx, staging.S3Config{
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
		Bucket:       cfg.S3Bucket,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("staging store: %w", err)
	}

	registry := wake.NewRegistry()
	resolver := peer.NewStaticResolver(cfg.Connections)

	outboxService := outbox.NewService(db, repos, resolver, masterKey, registry, logger)

	pipeline := filter.NewPipeline(
		&filter.TrustFilter{Resolver: resolver},
		&filter.FingerprintFilter{Verify: peer.StaticFingerprints(cfg.Fingerprints)},
		&filter.PayloadFilter{Staging: store, MaxSize: cfg.MaxPayloadSize},
	)
	inboxService := inbox.NewService(db, repos, pipeline, store,
		&inbox.DirWriter{Root: cfg.StorageRoot}, registry,
		inbox.Options{BatchSize: cfg.BatchSize, RequirePayload: cfg.RequirePayloadAcceptance},
		logger)

	schedules := map[peer.Subtype]*backoff.Schedule{
		peer.SubtypeServerNotResponding: backoff.NewSchedule(cfg.RetryBaseUnavailable, cfg.RetryCapUnavailable),
		peer.SubtypeRateLimited:         backoff.NewSchedule(cfg.RetryBaseRateLimited, cfg.RetryCapRateLimited),
	}
	sink := &worker.LogReportSink{Logger: logger}

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		repos:         repos,
		wake:          registry,
		masterKey:     masterKey,
		outboxService: outboxService,
		inboxService:  inboxService,
		recovery: recovery.NewService(db, repos, cfg.Tenants, registry,
			cfg.RecoveryInterval, cfg.RecoveryAgeThreshold, logger),
	}

	for _, tenant := range cfg.Tenants {
		sender := peer.NewLimitedSender(peer.NewHTTPSender(tenant, cfg.SendTimeout), cfg.MaxConcurrentSends)
		app.outboxWorkers = append(app.outboxWorkers, worker.NewOutboxWorker(
			tenant, repos.Outbox(db), resolver, sender, masterKey, sink, registry,
			worker.OutboxWorkerConfig{
				BatchSize:      cfg.BatchSize,
				AttemptCeiling: cfg.AttemptCeiling,
				PollInterval:   cfg.PollInterval,
				Schedules:      schedules,
			}, logger))
		app.inboxWorkers = append(app.inboxWorkers, worker.NewInboxWorker(
			tenant, inboxService, registry, cfg.PollInterval, logger))
	}

	return app, nil
}

// Outbox exposes the enqueue API to the embedding application.
func (app *App) Outbox() *outbox.Service { return app.outboxService }

// Inbox exposes the admission API to the embedding application.
func (app *App) Inbox() *inbox.Service { return app.inboxService }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts every worker and blocks until ctx is cancelled or a signal
// arrives, then waits for the workers to drain their current batches.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting transit daemon",
		"tenants", app.config.Tenants, "batch_size", app.config.BatchSize)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	for _, w := range app.outboxWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	for _, w := range app.inboxWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.recovery.Run(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close failed", "error", err.Error())
	}
	app.logger.Info(ctx, "transit daemon stopped")
}
