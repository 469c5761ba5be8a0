package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/database"
	"github.com/crosslist/autopilot/internal/domain"
)

// WindowType is a rate-limit accounting window.
type WindowType string

const (
	WindowHour WindowType = "hour"
	WindowDay  WindowType = "day"
)

// Start truncates t to the window boundary.
func (w WindowType) Start(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case WindowDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

// Duration returns the window length.
func (w WindowType) Duration() time.Duration {
	if w == WindowDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// WindowCounter is one rate-limit counter row.
type WindowCounter struct {
	Marketplace domain.Marketplace
	UserID      int64
	Window      WindowType
	WindowStart time.Time
	Requests    int
	Successes   int
	Failures    int
	Blocked     bool
	ResetAt     time.Time
}

// RateLimitRepository handles rate-limit counters and marketplace holds in
// core.db. All increments run in a transaction so concurrent workers cannot
// jointly overshoot a cap.
type RateLimitRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRateLimitRepository creates a new rate-limit repository.
func NewRateLimitRepository(db *sql.DB, log zerolog.Logger) *RateLimitRepository {
	return &RateLimitRepository{
		db:  db,
		log: log.With().Str("repository", "ratelimits").Logger(),
	}
}

// GetWindow returns the counter for the window containing now. A missing row
// reads as a zero counter.
func (r *RateLimitRepository) GetWindow(mp domain.Marketplace, userID int64, w WindowType, now time.Time) (*WindowCounter, error) {
	start := w.Start(now)
	c := &WindowCounter{
		Marketplace: mp,
		UserID:      userID,
		Window:      w,
		WindowStart: start,
		ResetAt:     start.Add(w.Duration()),
	}

	var blocked int
	var resetAt int64
	err := r.db.QueryRow(`
		SELECT requests, successes, failures, blocked, reset_at
		FROM rate_limit_counters
		WHERE marketplace = ? AND user_id = ? AND window_type = ? AND window_start = ?
	`, mp, userID, w, start.Unix()).Scan(&c.Requests, &c.Successes, &c.Failures, &blocked, &resetAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window %s/%d/%s: %w", mp, userID, w, err)
	}
	c.Blocked = blocked != 0
	c.ResetAt = time.Unix(resetAt, 0).UTC()
	return c, nil
}

// Record atomically increments the hour and day counters for one outcome.
func (r *RateLimitRepository) Record(mp domain.Marketplace, userID int64, success bool, now time.Time) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, w := range []WindowType{WindowHour, WindowDay} {
			start := w.Start(now)
			resetAt := start.Add(w.Duration())

			succ, fail := 0, 1
			if success {
				succ, fail = 1, 0
			}

			_, err := tx.Exec(`
				INSERT INTO rate_limit_counters
					(marketplace, user_id, window_type, window_start, requests, successes, failures, blocked, reset_at)
				VALUES (?, ?, ?, ?, 1, ?, ?, 0, ?)
				ON CONFLICT(marketplace, user_id, window_type, window_start) DO UPDATE SET
					requests = requests + 1,
					successes = successes + excluded.successes,
					failures = failures + excluded.failures
			`, mp, userID, w, start.Unix(), succ, fail, resetAt.Unix())
			if err != nil {
				return fmt.Errorf("failed to record %s window: %w", w, err)
			}
		}
		return nil
	})
}

// OverrideReset pins a window's reset time to a server-provided value.
// Used when marketplace response headers convey authoritative quota state.
func (r *RateLimitRepository) OverrideReset(mp domain.Marketplace, userID int64, w WindowType, now, resetAt time.Time) error {
	start := w.Start(now)
	_, err := r.db.Exec(`
		INSERT INTO rate_limit_counters
			(marketplace, user_id, window_type, window_start, requests, successes, failures, blocked, reset_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, 0, ?)
		ON CONFLICT(marketplace, user_id, window_type, window_start) DO UPDATE SET
			reset_at = excluded.reset_at
	`, mp, userID, w, start.Unix(), resetAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to override reset for %s/%d/%s: %w", mp, userID, w, err)
	}
	return nil
}

// SetHold places a marketplace-wide hold until the given time.
func (r *RateLimitRepository) SetHold(mp domain.Marketplace, reason string, until time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO marketplace_holds (marketplace, reason, until)
		VALUES (?, ?, ?)
		ON CONFLICT(marketplace) DO UPDATE SET
			reason = excluded.reason,
			until = excluded.until
	`, mp, reason, until.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to set hold for %s: %w", mp, err)
	}
	return nil
}

// GetHold returns the active hold deadline for a marketplace, or nil.
func (r *RateLimitRepository) GetHold(mp domain.Marketplace, now time.Time) (*time.Time, string, error) {
	var until int64
	var reason string
	err := r.db.QueryRow("SELECT until, reason FROM marketplace_holds WHERE marketplace = ?", mp).
		Scan(&until, &reason)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get hold for %s: %w", mp, err)
	}
	t := time.Unix(until, 0).UTC()
	if !t.After(now) {
		return nil, "", nil
	}
	return &t, reason, nil
}

// PruneWindows deletes counter rows whose windows ended before cutoff.
func (r *RateLimitRepository) PruneWindows(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM rate_limit_counters WHERE reset_at < ?", cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate windows: %w", err)
	}
	return res.RowsAffected()
}
