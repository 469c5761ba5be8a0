// Package di provides dependency injection wiring and initialization.
//
// The Container is the single source of truth for all service instances. It
// is created by Wire() and handed to the server and the main entrypoint.
package di

import (
	"github.com/crosslist/autopilot/internal/breaker"
	"github.com/crosslist/autopilot/internal/clients/marketplace"
	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/database"
	"github.com/crosslist/autopilot/internal/engine"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/executor"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/ratelimit"
	"github.com/crosslist/autopilot/internal/reliability"
	"github.com/crosslist/autopilot/internal/retry"
	"github.com/crosslist/autopilot/internal/scheduler"
	"github.com/crosslist/autopilot/internal/store"
	"github.com/crosslist/autopilot/internal/syncjob"
	"github.com/crosslist/autopilot/internal/webhook"
)

// Container holds all dependencies for the application.
type Container struct {
	// Databases. Core holds live automation state; audit is the append-only
	// execution trail and is never vacuumed.
	CoreDB  *database.DB
	AuditDB *database.DB

	// Repositories over core.db
	Users       *store.UserRepository
	Connections *store.ConnectionRepository
	Listings    *store.ListingRepository
	Rules       *store.RuleRepository
	Schedules   *store.ScheduleRepository
	Settings    *store.SettingsRepository
	ShareCfg    *store.ShareSettingsRepository
	Offers      *store.OfferTemplateRepository
	PriceDrops  *store.PriceDropRepository
	Markers     *store.MarkerRepository
	RateLimits  *store.RateLimitRepository
	Circuits    *store.CircuitRepository
	Webhooks    *store.WebhookRepository

	// Repositories over audit.db
	Logs         *store.LogRepository
	DeadLetters  *store.DeadLetterRepository
	RetryHistory *store.RetryHistoryRepository

	// SyncJobs spans both: live jobs in core, history in audit.
	SyncJobs *store.SyncJobRepository

	// Core services
	Clock       clock.Clock
	Bus         *events.Bus
	Categorizer *failure.Categorizer
	Breaker     *breaker.Breaker
	Limiter     *ratelimit.Limiter
	Retrier     *retry.Scheduler
	Executor    *executor.Executor
	Fleet       *marketplace.Fleet
	Registry    *engine.Registry
	Dispatcher  *engine.Dispatcher
	Ingestor    *webhook.Ingestor
	Coordinator *syncjob.Coordinator
	Scheduler   *scheduler.Scheduler

	// Reliability services. Backup is nil when backups are disabled.
	Maintenance *reliability.MaintenanceService
	Backup      *reliability.BackupService
}

// Close releases the database connections. Call after all services stopped.
func (c *Container) Close() {
	if c.CoreDB != nil {
		c.CoreDB.Close()
	}
	if c.AuditDB != nil {
		c.AuditDB.Close()
	}
}
