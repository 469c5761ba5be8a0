package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// SettingsRepository handles runtime settings stored in core.db.
// Settings are key-value pairs consulted after environment configuration;
// values here take precedence so operators can retune without restarts.
type SettingsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSettingsRepository creates a new settings repository.
func NewSettingsRepository(db *sql.DB, log zerolog.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves a setting value by key. Returns nil if the setting doesn't
// exist (not an error).
func (r *SettingsRepository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set sets a setting value, inserting or updating as needed.
func (r *SettingsRepository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetBool retrieves a boolean setting with a default.
func (r *SettingsRepository) GetBool(key string, def bool) (bool, error) {
	v, err := r.Get(key)
	if err != nil {
		return def, err
	}
	if v == nil {
		return def, nil
	}
	b, err := strconv.ParseBool(*v)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *v).Msg("Setting is not a boolean, using default")
		return def, nil
	}
	return b, nil
}

// GetInt retrieves an integer setting with a default.
func (r *SettingsRepository) GetInt(key string, def int) (int, error) {
	v, err := r.Get(key)
	if err != nil {
		return def, err
	}
	if v == nil {
		return def, nil
	}
	n, err := strconv.Atoi(*v)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *v).Msg("Setting is not an integer, using default")
		return def, nil
	}
	return n, nil
}

// GetAll retrieves all settings as a map.
func (r *SettingsRepository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}
	return result, rows.Err()
}
