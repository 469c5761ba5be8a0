package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// SyncJobRepository handles cross-platform sync jobs in core.db and their
// per-target history in audit.db.
type SyncJobRepository struct {
	db      *sql.DB
	auditDB *sql.DB
	log     zerolog.Logger
}

// NewSyncJobRepository creates a new sync job repository.
func NewSyncJobRepository(db, auditDB *sql.DB, log zerolog.Logger) *SyncJobRepository {
	return &SyncJobRepository{
		db:      db,
		auditDB: auditDB,
		log:     log.With().Str("repository", "syncjobs").Logger(),
	}
}

const syncJobColumns = `id, listing_id, trigger_event_id, source, targets,
	total, done, failed, status, started_at, completed_at`

func scanSyncJob(row interface{ Scan(...interface{}) error }) (*domain.SyncJob, error) {
	var j domain.SyncJob
	var targets string
	var started int64
	var completed sql.NullInt64
	err := row.Scan(&j.ID, &j.ListingID, &j.TriggerEventID, &j.Source, &targets,
		&j.Total, &j.Done, &j.Failed, &j.Status, &started, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &j.Targets); err != nil {
		j.Targets = nil
	}
	j.StartedAt = time.Unix(started, 0).UTC()
	j.CompletedAt = nullUnix(completed)
	return &j, nil
}

// CreateIfAbsent inserts a sync job unless a live job already exists for the
// same (listing, trigger event). The partial unique index enforces the
// at-most-one-live invariant; the loser of a race gets created=false.
func (r *SyncJobRepository) CreateIfAbsent(j *domain.SyncJob) (bool, error) {
	targets, err := json.Marshal(j.Targets)
	if err != nil {
		return false, fmt.Errorf("failed to marshal sync targets: %w", err)
	}
	started := j.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	status := j.Status
	if status == "" {
		status = domain.SyncPending
	}

	_, err = r.db.Exec(`
		INSERT INTO cross_platform_sync_jobs
			(id, listing_id, trigger_event_id, source, targets, total, done, failed, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.ListingID, j.TriggerEventID, j.Source, string(targets),
		j.Total, j.Done, j.Failed, status, started.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create sync job: %w", err)
	}
	return true, nil
}

// Get returns a sync job by id, or nil.
func (r *SyncJobRepository) Get(id string) (*domain.SyncJob, error) {
	row := r.db.QueryRow("SELECT "+syncJobColumns+" FROM cross_platform_sync_jobs WHERE id = ?", id)
	j, err := scanSyncJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job %s: %w", id, err)
	}
	return j, nil
}

// SetStatus moves a job between non-terminal states.
func (r *SyncJobRepository) SetStatus(id string, status domain.SyncJobStatus) error {
	_, err := r.db.Exec("UPDATE cross_platform_sync_jobs SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to set sync job %s status: %w", id, err)
	}
	return nil
}

// RecordOutcome counts one completed target toward the job's progress.
func (r *SyncJobRepository) RecordOutcome(id string, succeeded bool) error {
	col := "done"
	if !succeeded {
		col = "failed"
	}
	_, err := r.db.Exec(
		fmt.Sprintf("UPDATE cross_platform_sync_jobs SET %s = %s + 1 WHERE id = ?", col, col), id)
	if err != nil {
		return fmt.Errorf("failed to record sync outcome for %s: %w", id, err)
	}
	return nil
}

// Complete stamps the terminal status and completion time.
func (r *SyncJobRepository) Complete(id string, status domain.SyncJobStatus, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE cross_platform_sync_jobs SET status = ?, completed_at = ? WHERE id = ?
	`, status, at.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete sync job %s: %w", id, err)
	}
	return nil
}

// SyncOutcome is one per-target row in the audit trail.
type SyncOutcome struct {
	SyncJobID  string
	ListingID  int64
	Source     domain.Marketplace
	Target     domain.Marketplace
	Outcome    string
	Detail     string
	Duration   time.Duration
	RecordedAt time.Time
}

// AppendHistory writes one per-target outcome to audit.db.
func (r *SyncJobRepository) AppendHistory(o *SyncOutcome) error {
	at := o.RecordedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.auditDB.Exec(`
		INSERT INTO cross_platform_sync_history
			(sync_job_id, listing_id, source, target, outcome, detail, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, o.SyncJobID, o.ListingID, o.Source, o.Target, o.Outcome, o.Detail,
		o.Duration.Milliseconds(), at.Unix())
	if err != nil {
		return fmt.Errorf("failed to append sync history: %w", err)
	}
	return nil
}

// HistoryForJob returns the per-target audit rows of one job.
func (r *SyncJobRepository) HistoryForJob(syncJobID string) ([]*SyncOutcome, error) {
	rows, err := r.auditDB.Query(`
		SELECT sync_job_id, listing_id, source, target, outcome, detail, duration_ms, recorded_at
		FROM cross_platform_sync_history WHERE sync_job_id = ? ORDER BY id
	`, syncJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history for %s: %w", syncJobID, err)
	}
	defer rows.Close()

	var out []*SyncOutcome
	for rows.Next() {
		var o SyncOutcome
		var durationMS, recorded int64
		if err := rows.Scan(&o.SyncJobID, &o.ListingID, &o.Source, &o.Target,
			&o.Outcome, &o.Detail, &durationMS, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		o.Duration = time.Duration(durationMS) * time.Millisecond
		o.RecordedAt = time.Unix(recorded, 0).UTC()
		out = append(out, &o)
	}
	return out, rows.Err()
}
