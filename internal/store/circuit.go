package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// CircuitPhase is a breaker phase name.
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "closed"
	CircuitOpen     CircuitPhase = "open"
	CircuitHalfOpen CircuitPhase = "half_open"
)

// CircuitRecord is the persisted state of one marketplace breaker.
type CircuitRecord struct {
	Marketplace       domain.Marketplace
	Phase             CircuitPhase
	FailureCount      int
	SuccessCount      int
	OpenedAt          *time.Time
	NextRetryAt       *time.Time
	FailureThreshold  int
	RecoveryThreshold int
	HalfOpenMax       int
	Timeout           time.Duration
	BaseTimeout       time.Duration
}

// CircuitRepository persists breaker state in core.db so that every worker and
// every restart observes the same phase.
type CircuitRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCircuitRepository creates a new circuit repository.
func NewCircuitRepository(db *sql.DB, log zerolog.Logger) *CircuitRepository {
	return &CircuitRepository{
		db:  db,
		log: log.With().Str("repository", "circuit").Logger(),
	}
}

const circuitColumns = `marketplace, phase, failure_count, success_count,
	opened_at, next_retry_at, failure_threshold, recovery_threshold,
	half_open_max, timeout_ms, base_timeout_ms`

func scanCircuit(row interface{ Scan(...interface{}) error }) (*CircuitRecord, error) {
	var rec CircuitRecord
	var openedAt, nextRetry sql.NullInt64
	var timeoutMS, baseTimeoutMS int64
	err := row.Scan(&rec.Marketplace, &rec.Phase, &rec.FailureCount, &rec.SuccessCount,
		&openedAt, &nextRetry, &rec.FailureThreshold, &rec.RecoveryThreshold,
		&rec.HalfOpenMax, &timeoutMS, &baseTimeoutMS)
	if err != nil {
		return nil, err
	}
	rec.OpenedAt = nullUnix(openedAt)
	rec.NextRetryAt = nullUnix(nextRetry)
	rec.Timeout = time.Duration(timeoutMS) * time.Millisecond
	rec.BaseTimeout = time.Duration(baseTimeoutMS) * time.Millisecond
	return &rec, nil
}

// Get returns the breaker record for a marketplace. A missing row reads as a
// closed breaker carrying the given defaults.
func (r *CircuitRepository) Get(mp domain.Marketplace, defaults CircuitRecord) (*CircuitRecord, error) {
	row := r.db.QueryRow("SELECT "+circuitColumns+" FROM circuit_breaker_status WHERE marketplace = ?", mp)
	rec, err := scanCircuit(row)
	if err == sql.ErrNoRows {
		rec := defaults
		rec.Marketplace = mp
		if rec.Phase == "" {
			rec.Phase = CircuitClosed
		}
		return &rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get circuit state for %s: %w", mp, err)
	}
	return rec, nil
}

// Save upserts the full breaker record.
func (r *CircuitRepository) Save(rec *CircuitRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO circuit_breaker_status
			(marketplace, phase, failure_count, success_count, opened_at, next_retry_at,
			 failure_threshold, recovery_threshold, half_open_max, timeout_ms, base_timeout_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(marketplace) DO UPDATE SET
			phase = excluded.phase,
			failure_count = excluded.failure_count,
			success_count = excluded.success_count,
			opened_at = excluded.opened_at,
			next_retry_at = excluded.next_retry_at,
			failure_threshold = excluded.failure_threshold,
			recovery_threshold = excluded.recovery_threshold,
			half_open_max = excluded.half_open_max,
			timeout_ms = excluded.timeout_ms,
			base_timeout_ms = excluded.base_timeout_ms
	`, rec.Marketplace, rec.Phase, rec.FailureCount, rec.SuccessCount,
		unixPtr(rec.OpenedAt), unixPtr(rec.NextRetryAt),
		rec.FailureThreshold, rec.RecoveryThreshold, rec.HalfOpenMax,
		rec.Timeout.Milliseconds(), rec.BaseTimeout.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to save circuit state for %s: %w", rec.Marketplace, err)
	}
	return nil
}

// All returns the persisted breaker rows, for status reporting.
func (r *CircuitRepository) All() ([]*CircuitRecord, error) {
	rows, err := r.db.Query("SELECT " + circuitColumns + " FROM circuit_breaker_status ORDER BY marketplace")
	if err != nil {
		return nil, fmt.Errorf("failed to list circuit states: %w", err)
	}
	defer rows.Close()

	var out []*CircuitRecord
	for rows.Next() {
		rec, err := scanCircuit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan circuit state: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
