package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/store"
)

// InitializeRepositories creates the data access layer over both databases.
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container.CoreDB == nil || container.AuditDB == nil {
		return fmt.Errorf("databases must be initialized before repositories")
	}

	core := container.CoreDB.Conn()
	audit := container.AuditDB.Conn()

	container.Users = store.NewUserRepository(core, log)
	container.Connections = store.NewConnectionRepository(core, log)
	container.Listings = store.NewListingRepository(core, log)
	container.Rules = store.NewRuleRepository(core, log)
	container.Schedules = store.NewScheduleRepository(core, log)
	container.Settings = store.NewSettingsRepository(core, log)
	container.ShareCfg = store.NewShareSettingsRepository(core, log)
	container.Offers = store.NewOfferTemplateRepository(core, log)
	container.PriceDrops = store.NewPriceDropRepository(core, log)
	container.Markers = store.NewMarkerRepository(core, log)
	container.RateLimits = store.NewRateLimitRepository(core, log)
	container.Circuits = store.NewCircuitRepository(core, log)
	container.Webhooks = store.NewWebhookRepository(core, log)

	container.Logs = store.NewLogRepository(audit, log)
	container.DeadLetters = store.NewDeadLetterRepository(audit, log)
	container.RetryHistory = store.NewRetryHistoryRepository(audit, log)

	container.SyncJobs = store.NewSyncJobRepository(core, audit, log)

	log.Info().Msg("Repositories initialized")
	return nil
}
