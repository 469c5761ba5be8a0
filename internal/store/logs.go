package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// LogRepository handles the append-only automation log in audit.db.
type LogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLogRepository creates a new log repository.
func NewLogRepository(db *sql.DB, log zerolog.Logger) *LogRepository {
	return &LogRepository{
		db:  db,
		log: log.With().Str("repository", "logs").Logger(),
	}
}

// Append writes one log entry. Entries are never updated.
func (r *LogRepository) Append(e *domain.LogEntry) error {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO automation_logs
			(user_id, rule_id, schedule_id, marketplace, action, status,
			 error_kind, reason, duration_ms, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.UserID, e.RuleID, e.ScheduleID, e.Marketplace, e.Action, e.Status,
		e.ErrorKind, e.Reason, e.Duration.Milliseconds(), e.SessionID, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to append automation log: %w", err)
	}
	return nil
}

// CountByStatus counts entries for a rule with the given status since cutoff.
func (r *LogRepository) CountByStatus(ruleID int64, status domain.LogStatus, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM automation_logs
		WHERE rule_id = ? AND status = ? AND created_at >= ?
	`, ruleID, status, since.UTC().Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count logs for rule %d: %w", ruleID, err)
	}
	return n, nil
}

// ListRecent returns the newest entries, most recent first.
func (r *LogRepository) ListRecent(limit int) ([]*domain.LogEntry, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, rule_id, schedule_id, marketplace, action, status,
		       error_kind, reason, duration_ms, session_id, created_at
		FROM automation_logs ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var durationMS, created int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.RuleID, &e.ScheduleID, &e.Marketplace,
			&e.Action, &e.Status, &e.ErrorKind, &e.Reason, &durationMS, &e.SessionID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PruneBefore deletes entries older than cutoff. Used by the retention job,
// the only writer allowed to remove audit rows.
func (r *LogRepository) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM automation_logs WHERE created_at < ?", cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune automation logs: %w", err)
	}
	return res.RowsAffected()
}
