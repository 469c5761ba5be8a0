package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// DeadLetterRepository handles the quarantine queue in core.db.
type DeadLetterRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDeadLetterRepository creates a new dead letter repository.
func NewDeadLetterRepository(db *sql.DB, log zerolog.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{
		db:  db,
		log: log.With().Str("repository", "deadletters").Logger(),
	}
}

const deadLetterColumns = `id, job_id, job_type, job_data, final_category,
	total_attempts, first_failure_at, last_failure_at, history, resolution`

func scanDeadLetter(row interface{ Scan(...interface{}) error }) (*domain.DeadLetter, error) {
	var d domain.DeadLetter
	var history string
	var first, last int64
	err := row.Scan(&d.ID, &d.JobID, &d.JobType, &d.JobData, &d.FinalCategory,
		&d.TotalAttempts, &first, &last, &history, &d.Resolution)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &d.History); err != nil {
		d.History = nil
	}
	d.FirstFailureAt = time.Unix(first, 0).UTC()
	d.LastFailureAt = time.Unix(last, 0).UTC()
	return &d, nil
}

// Insert quarantines a job and returns its row id.
func (r *DeadLetterRepository) Insert(d *domain.DeadLetter) (int64, error) {
	history, err := json.Marshal(d.History)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal retry history: %w", err)
	}
	resolution := d.Resolution
	if resolution == "" {
		resolution = "pending_review"
	}
	res, err := r.db.Exec(`
		INSERT INTO dead_letter_queue
			(job_id, job_type, job_data, final_category, total_attempts,
			 first_failure_at, last_failure_at, history, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.JobID, d.JobType, d.JobData, d.FinalCategory, d.TotalAttempts,
		d.FirstFailureAt.UTC().Unix(), d.LastFailureAt.UTC().Unix(),
		string(history), resolution)
	if err != nil {
		return 0, fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return res.LastInsertId()
}

// Get returns a dead letter by id, or nil.
func (r *DeadLetterRepository) Get(id int64) (*domain.DeadLetter, error) {
	row := r.db.QueryRow("SELECT "+deadLetterColumns+" FROM dead_letter_queue WHERE id = ?", id)
	d, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter %d: %w", id, err)
	}
	return d, nil
}

// ListByResolution returns dead letters in a resolution state, newest first.
func (r *DeadLetterRepository) ListByResolution(resolution string, limit int) ([]*domain.DeadLetter, error) {
	rows, err := r.db.Query(`
		SELECT `+deadLetterColumns+` FROM dead_letter_queue
		WHERE resolution = ? ORDER BY last_failure_at DESC, id DESC LIMIT ?
	`, resolution, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Resolve records a reviewer's decision on a dead letter.
func (r *DeadLetterRepository) Resolve(id int64, resolution string) error {
	_, err := r.db.Exec("UPDATE dead_letter_queue SET resolution = ? WHERE id = ?", resolution, id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter %d: %w", id, err)
	}
	return nil
}

// RetryHistoryRepository appends per-attempt retry records to audit.db.
type RetryHistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRetryHistoryRepository creates a new retry history repository.
func NewRetryHistoryRepository(db *sql.DB, log zerolog.Logger) *RetryHistoryRepository {
	return &RetryHistoryRepository{
		db:  db,
		log: log.With().Str("repository", "retry_history").Logger(),
	}
}

// Append records one retry attempt. Attempts are never updated.
func (r *RetryHistoryRepository) Append(a *domain.RetryAttempt) error {
	at := a.RecordedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO retry_history
			(job_id, attempt, category, error_code, error_message, delay_ms, next_retry_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.JobID, a.Attempt, a.Category, a.Code, a.Message,
		a.Delay.Milliseconds(), unixPtr(a.NextRetryAt), at.Unix())
	if err != nil {
		return fmt.Errorf("failed to append retry attempt: %w", err)
	}
	return nil
}

// ListForJob returns a job's retry attempts in order.
func (r *RetryHistoryRepository) ListForJob(jobID string) ([]*domain.RetryAttempt, error) {
	rows, err := r.db.Query(`
		SELECT job_id, attempt, category, error_code, error_message, delay_ms, next_retry_at, recorded_at
		FROM retry_history WHERE job_id = ? ORDER BY attempt
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry history for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*domain.RetryAttempt
	for rows.Next() {
		var a domain.RetryAttempt
		var delayMS, recorded int64
		var nextRetry sql.NullInt64
		if err := rows.Scan(&a.JobID, &a.Attempt, &a.Category, &a.Code, &a.Message,
			&delayMS, &nextRetry, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan retry attempt: %w", err)
		}
		a.Delay = time.Duration(delayMS) * time.Millisecond
		a.NextRetryAt = nullUnix(nextRetry)
		a.RecordedAt = time.Unix(recorded, 0).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CountForJob returns how many attempts are on record for a job.
func (r *RetryHistoryRepository) CountForJob(jobID string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM retry_history WHERE job_id = ?", jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count retry attempts for %s: %w", jobID, err)
	}
	return n, nil
}
