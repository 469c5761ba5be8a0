package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// ScheduleRepository handles automation schedules in core.db.
type ScheduleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, log zerolog.Logger) *ScheduleRepository {
	return &ScheduleRepository{
		db:  db,
		log: log.With().Str("repository", "schedules").Logger(),
	}
}

const scheduleColumns = `id, rule_id, schedule_type, cron_expr, timezone,
	interval_minutes, interval_seconds, hours, active, start_at, end_at,
	max_executions, execution_count, last_run_at, next_run_at`

func scanSchedule(row interface{ Scan(...interface{}) error }) (*domain.AutomationSchedule, error) {
	var s domain.AutomationSchedule
	var hours string
	var active int
	var startAt, endAt, lastRun, nextRun sql.NullInt64
	var maxExec sql.NullInt64

	err := row.Scan(&s.ID, &s.RuleID, &s.Type, &s.CronExpr, &s.Timezone,
		&s.IntervalMinutes, &s.IntervalSeconds, &hours, &active, &startAt, &endAt,
		&maxExec, &s.ExecutionCount, &lastRun, &nextRun)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(hours), &s.Hours); err != nil {
		s.Hours = nil
	}
	s.Active = active != 0
	s.StartAt = nullUnix(startAt)
	s.EndAt = nullUnix(endAt)
	s.LastRunAt = nullUnix(lastRun)
	s.NextRunAt = nullUnix(nextRun)
	if maxExec.Valid {
		s.MaxExecutions = &maxExec.Int64
	}
	return &s, nil
}

// Get returns a schedule by id, or nil if not found.
func (r *ScheduleRepository) Get(id int64) (*domain.AutomationSchedule, error) {
	row := r.db.QueryRow("SELECT "+scheduleColumns+" FROM automation_schedules WHERE id = ?", id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %d: %w", id, err)
	}
	return s, nil
}

// Create inserts a schedule and returns its id.
func (r *ScheduleRepository) Create(s *domain.AutomationSchedule) (int64, error) {
	hours, err := json.Marshal(s.Hours)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schedule hours: %w", err)
	}
	var maxExec interface{}
	if s.MaxExecutions != nil {
		maxExec = *s.MaxExecutions
	}
	res, err := r.db.Exec(`
		INSERT INTO automation_schedules
			(rule_id, schedule_type, cron_expr, timezone, interval_minutes,
			 interval_seconds, hours, active, start_at, end_at, max_executions, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.RuleID, s.Type, s.CronExpr, s.Timezone, s.IntervalMinutes,
		s.IntervalSeconds, string(hours), boolToInt(s.Active),
		unixPtr(s.StartAt), unixPtr(s.EndAt), maxExec, unixPtr(s.NextRunAt))
	if err != nil {
		return 0, fmt.Errorf("failed to create schedule: %w", err)
	}
	return res.LastInsertId()
}

// ListActiveByRule returns all active schedules of a rule.
func (r *ScheduleRepository) ListActiveByRule(ruleID int64) ([]*domain.AutomationSchedule, error) {
	rows, err := r.db.Query("SELECT "+scheduleColumns+" FROM automation_schedules WHERE rule_id = ? AND active = 1", ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules for rule %d: %w", ruleID, err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListActive returns all active schedules across all rules.
func (r *ScheduleRepository) ListActive() ([]*domain.AutomationSchedule, error) {
	rows, err := r.db.Query("SELECT " + scheduleColumns + " FROM automation_schedules WHERE active = 1")
	if err != nil {
		return nil, fmt.Errorf("failed to list active schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListDue returns active schedules whose next_run_at is at or before now.
func (r *ScheduleRepository) ListDue(now time.Time) ([]*domain.AutomationSchedule, error) {
	rows, err := r.db.Query(`
		SELECT `+scheduleColumns+` FROM automation_schedules
		WHERE active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at
	`, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]*domain.AutomationSchedule, error) {
	var out []*domain.AutomationSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkFired advances a schedule after a firing was handed off: bumps the
// execution count, records last_run_at, and persists the recomputed next run.
// next_run_at is strictly monotonic per firing; the WHERE clause guards
// against concurrent double-advance.
func (r *ScheduleRepository) MarkFired(id int64, firedAt, nextRun time.Time) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE automation_schedules
		SET execution_count = execution_count + 1,
		    last_run_at = ?,
		    next_run_at = ?
		WHERE id = ? AND (next_run_at IS NULL OR next_run_at <= ?)
	`, firedAt.UTC().Unix(), nextRun.UTC().Unix(), id, firedAt.UTC().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to mark schedule %d fired: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetNextRun persists a recomputed next_run_at without firing.
func (r *ScheduleRepository) SetNextRun(id int64, next *time.Time) error {
	_, err := r.db.Exec("UPDATE automation_schedules SET next_run_at = ? WHERE id = ?", unixPtr(next), id)
	if err != nil {
		return fmt.Errorf("failed to set next run for schedule %d: %w", id, err)
	}
	return nil
}

// SetActive flips a schedule's active flag.
func (r *ScheduleRepository) SetActive(id int64, active bool) error {
	_, err := r.db.Exec("UPDATE automation_schedules SET active = ? WHERE id = ?", boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to set schedule %d active=%v: %w", id, active, err)
	}
	return nil
}

// DeactivateByRule marks all schedules of a rule inactive.
func (r *ScheduleRepository) DeactivateByRule(ruleID int64) error {
	_, err := r.db.Exec("UPDATE automation_schedules SET active = 0 WHERE rule_id = ?", ruleID)
	if err != nil {
		return fmt.Errorf("failed to deactivate schedules for rule %d: %w", ruleID, err)
	}
	return nil
}
