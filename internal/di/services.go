package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/breaker"
	"github.com/crosslist/autopilot/internal/clients/marketplace"
	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/config"
	"github.com/crosslist/autopilot/internal/database"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/executor"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/ratelimit"
	"github.com/crosslist/autopilot/internal/reliability"
	"github.com/crosslist/autopilot/internal/retry"
	"github.com/crosslist/autopilot/internal/scheduler"
	"github.com/crosslist/autopilot/internal/syncjob"
	"github.com/crosslist/autopilot/internal/webhook"
)

// InitializeServices builds the service layer and binds the executor
// handlers. Repositories must be initialized first.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container.Rules == nil {
		return fmt.Errorf("repositories must be initialized before services")
	}

	container.Clock = clock.NewSystem()
	container.Bus = events.NewBus()
	container.Categorizer = failure.NewCategorizer(log)
	container.Breaker = breaker.New(container.Circuits, container.Clock, container.Bus, log)
	container.Limiter = ratelimit.New(container.RateLimits, container.Clock, nil, log)
	container.Retrier = retry.NewScheduler(container.RetryHistory, container.DeadLetters,
		container.Clock, container.Bus, cfg.RetryMaxAttempts, log)

	container.Executor = executor.New(executor.Config{
		Workers:      cfg.WorkerCount,
		WorkerFactor: cfg.WorkerFactor,
		JobTimeout:   cfg.JobTimeout,
	}, container.Categorizer, container.Retrier, container.Clock, log)

	// One gateway client and one engine per marketplace. Engines share the
	// repositories, the limiter, and the breaker.
	deps := engine.Deps{
		Connections:   container.Connections,
		Listings:      container.Listings,
		ShareSettings: container.ShareCfg,
		Offers:        container.Offers,
		PriceDrops:    container.PriceDrops,
		Markers:       container.Markers,
		Logs:          container.Logs,
		Limiter:       container.Limiter,
		Breaker:       container.Breaker,
		Categorizer:   container.Categorizer,
		Clock:         container.Clock,
		Log:           log,
	}
	container.Fleet = marketplace.NewFleet()
	container.Registry = engine.NewRegistry()
	for _, mp := range domain.Marketplaces() {
		client := marketplace.New(marketplace.Config{
			BaseURL:     cfg.GatewayURL,
			Marketplace: mp,
			Token:       cfg.GatewayToken,
		}, log)
		container.Fleet.Add(mp, client)
		container.Registry.Register(mp, engine.NewMarketplaceEngine(engine.DefaultProfile(mp), client, deps))
	}

	container.Dispatcher = engine.NewDispatcher(container.Registry, container.Rules,
		container.Users, container.Connections, container.Logs, container.AuditDB.Conn(),
		container.Categorizer, container.Clock, container.Bus, log)
	container.Ingestor = webhook.NewIngestor(container.Webhooks, container.Executor,
		container.Clock, container.Bus, log)
	container.Coordinator = syncjob.NewCoordinator(container.SyncJobs, container.Webhooks,
		container.Listings, container.Registry, container.Executor, container.Categorizer,
		container.Clock, container.Bus, log)
	container.Scheduler = scheduler.New(container.Schedules, container.Rules,
		container.Settings, container.Executor, container.Clock, container.Bus,
		time.Second, log)

	container.Executor.Register(executor.KindFiring, container.Dispatcher.HandleFiring)
	container.Executor.Register(executor.KindWebhook, container.Coordinator.HandleWebhook)
	container.Executor.Register(executor.KindDelist, container.Coordinator.HandleDelist)

	databases := map[string]*database.DB{
		"core":  container.CoreDB,
		"audit": container.AuditDB,
	}
	container.Maintenance = reliability.NewMaintenanceService(databases, container.Webhooks,
		container.Markers, container.RateLimits, container.Logs, cfg.WebhookRetention,
		cfg.DataDir, log)

	if cfg.Backup != nil && cfg.Backup.Enabled {
		s3, err := reliability.NewS3Client(context.Background(), cfg.Backup.Endpoint,
			cfg.Backup.AccessKey, cfg.Backup.SecretKey, cfg.Backup.Bucket, log)
		if err != nil {
			return fmt.Errorf("failed to initialize backup client: %w", err)
		}
		container.Backup = reliability.NewBackupService(s3, databases, cfg.DataDir,
			cfg.Backup.Keep, log)
	}

	log.Info().Msg("Services initialized")
	return nil
}
