package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/config"
	"github.com/crosslist/autopilot/internal/database"
)

// InitializeDatabases opens both databases and applies schemas.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// core.db - live automation state (rules, schedules, listings, queues)
	coreDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "core.db"),
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize core database: %w", err)
	}
	container.CoreDB = coreDB

	// audit.db - append-only execution trail
	auditDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "audit.db"),
		Profile: database.ProfileLedger,
		Name:    "audit",
	})
	if err != nil {
		coreDB.Close()
		return nil, fmt.Errorf("failed to initialize audit database: %w", err)
	}
	container.AuditDB = auditDB

	for _, db := range []*database.DB{coreDB, auditDB} {
		if err := db.Migrate(); err != nil {
			coreDB.Close()
			auditDB.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().Msg("Databases initialized and schemas applied")
	return container, nil
}
