package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/database"
	"github.com/crosslist/autopilot/internal/store"
)

// Retention horizons for pruned tables. Webhook retention is configured;
// the rest are operational bookkeeping with short useful lives.
const (
	markerRetention = 7 * 24 * time.Hour
	windowRetention = 48 * time.Hour
	logRetention    = 90 * 24 * time.Hour
)

// MaintenanceService runs the recurring nightly and weekly upkeep of both
// stores: integrity checks, WAL checkpoints, retention pruning, and VACUUM.
type MaintenanceService struct {
	databases        map[string]*database.DB
	webhooks         *store.WebhookRepository
	markers          *store.MarkerRepository
	rateLimits       *store.RateLimitRepository
	logs             *store.LogRepository
	webhookRetention time.Duration
	dataDir          string
	log              zerolog.Logger
}

// NewMaintenanceService creates a maintenance service.
func NewMaintenanceService(databases map[string]*database.DB, webhooks *store.WebhookRepository,
	markers *store.MarkerRepository, rateLimits *store.RateLimitRepository,
	logs *store.LogRepository, webhookRetention time.Duration, dataDir string,
	log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		databases:        databases,
		webhooks:         webhooks,
		markers:          markers,
		rateLimits:       rateLimits,
		logs:             logs,
		webhookRetention: webhookRetention,
		dataDir:          dataDir,
		log:              log.With().Str("service", "maintenance").Logger(),
	}
}

// RunNightly performs the daily upkeep pass.
func (m *MaintenanceService) RunNightly(ctx context.Context) error {
	m.log.Info().Msg("Starting nightly maintenance")
	start := time.Now()

	for name, db := range m.databases {
		if err := db.HealthCheck(ctx); err != nil {
			m.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}
	}

	for name, db := range m.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Not fatal: the next checkpoint catches up.
			m.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	m.prune()

	if err := m.checkDiskSpace(); err != nil {
		return err
	}

	m.log.Info().Dur("duration_ms", time.Since(start)).Msg("Nightly maintenance completed")
	return nil
}

// RunWeekly vacuums the core store. The audit store is append-only and is
// never vacuumed.
func (m *MaintenanceService) RunWeekly(ctx context.Context) error {
	m.log.Info().Msg("Starting weekly maintenance")
	start := time.Now()

	for name, db := range m.databases {
		if db.Profile() == database.ProfileLedger {
			m.log.Debug().Str("database", name).Msg("Skipping VACUUM for append-only store")
			continue
		}
		if err := m.vacuum(db, name); err != nil {
			m.log.Error().Err(err).Str("database", name).Msg("VACUUM failed")
		}
	}

	m.log.Info().Dur("duration_ms", time.Since(start)).Msg("Weekly maintenance completed")
	return nil
}

// prune applies the retention horizons. Failures are logged, never fatal.
func (m *MaintenanceService) prune() {
	now := time.Now().UTC()

	if n, err := m.webhooks.PruneEvents(now.Add(-m.webhookRetention)); err != nil {
		m.log.Error().Err(err).Msg("Failed to prune webhook events")
	} else if n > 0 {
		m.log.Info().Int64("rows", n).Msg("Pruned webhook events")
	}

	if n, err := m.markers.PruneBefore(now.Add(-markerRetention)); err != nil {
		m.log.Error().Err(err).Msg("Failed to prune action markers")
	} else if n > 0 {
		m.log.Info().Int64("rows", n).Msg("Pruned action markers")
	}

	if n, err := m.rateLimits.PruneWindows(now.Add(-windowRetention)); err != nil {
		m.log.Error().Err(err).Msg("Failed to prune rate limit windows")
	} else if n > 0 {
		m.log.Info().Int64("rows", n).Msg("Pruned rate limit windows")
	}

	if n, err := m.logs.PruneBefore(now.Add(-logRetention)); err != nil {
		m.log.Error().Err(err).Msg("Failed to prune automation logs")
	} else if n > 0 {
		m.log.Info().Int64("rows", n).Msg("Pruned automation logs")
	}
}

func (m *MaintenanceService) vacuum(db *database.DB, name string) error {
	var pageCount, pageSize int64
	_ = db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	_ = db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	sizeBefore := float64(pageCount*pageSize) / 1024 / 1024

	if err := db.Vacuum(); err != nil {
		return err
	}

	_ = db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	sizeAfter := float64(pageCount*pageSize) / 1024 / 1024

	m.log.Info().
		Str("database", name).
		Float64("size_before_mb", sizeBefore).
		Float64("size_after_mb", sizeAfter).
		Float64("space_reclaimed_mb", sizeBefore-sizeAfter).
		Msg("VACUUM completed")
	return nil
}

// checkDiskSpace halts maintenance when the data volume is nearly full.
func (m *MaintenanceService) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(m.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	m.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if availableGB < 0.5 {
		return fmt.Errorf("only %.2f GB free on data volume", availableGB)
	}
	if availableGB < 5.0 {
		m.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return nil
}
