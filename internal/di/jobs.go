package di

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron schedules for the recurring jobs. Maintenance runs in the quiet
// hours; polling is the fallback event source and runs every minute.
const (
	pollSpec               = "* * * * *"
	nightlyMaintenanceSpec = "0 3 * * *"
	weeklyMaintenanceSpec  = "30 4 * * 0"
	backupSpec             = "0 2 * * *"
)

// RegisterJobs wires the recurring jobs onto a cron runner. The returned
// cron is not started; main starts it once the services are running.
func RegisterJobs(ctx context.Context, container *Container, log zerolog.Logger) (*cron.Cron, error) {
	if container.Maintenance == nil {
		return nil, fmt.Errorf("services must be initialized before jobs")
	}
	jobLog := log.With().Str("component", "cron").Logger()
	runner := cron.New()

	if _, err := runner.AddFunc(pollSpec, func() {
		if err := container.Ingestor.RunDuePolls(ctx, container.Fleet); err != nil {
			jobLog.Error().Err(err).Msg("Polling pass failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to register polling job: %w", err)
	}

	if _, err := runner.AddFunc(nightlyMaintenanceSpec, func() {
		if err := container.Maintenance.RunNightly(ctx); err != nil {
			jobLog.Error().Err(err).Msg("Nightly maintenance failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to register nightly maintenance: %w", err)
	}

	if _, err := runner.AddFunc(weeklyMaintenanceSpec, func() {
		if err := container.Maintenance.RunWeekly(ctx); err != nil {
			jobLog.Error().Err(err).Msg("Weekly maintenance failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to register weekly maintenance: %w", err)
	}

	if container.Backup != nil {
		if _, err := runner.AddFunc(backupSpec, func() {
			if err := container.Backup.CreateAndUpload(ctx); err != nil {
				jobLog.Error().Err(err).Msg("Backup failed")
				return
			}
			if err := container.Backup.RotateOldBackups(ctx); err != nil {
				jobLog.Error().Err(err).Msg("Backup rotation failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("failed to register backup job: %w", err)
		}
	}

	jobLog.Info().Bool("backups", container.Backup != nil).Msg("Recurring jobs registered")
	return runner, nil
}
