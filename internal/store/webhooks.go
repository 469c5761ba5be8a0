package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// WebhookRepository handles webhook configurations, received events, and
// polling schedules in core.db.
type WebhookRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(db *sql.DB, log zerolog.Logger) *WebhookRepository {
	return &WebhookRepository{
		db:  db,
		log: log.With().Str("repository", "webhooks").Logger(),
	}
}

const webhookConfigColumns = `id, user_id, marketplace, endpoint, secret, events, verified, error_count`

func scanWebhookConfig(row interface{ Scan(...interface{}) error }) (*domain.WebhookConfig, error) {
	var c domain.WebhookConfig
	var events string
	var verified int
	err := row.Scan(&c.ID, &c.UserID, &c.Marketplace, &c.Endpoint, &c.Secret,
		&events, &verified, &c.ErrorCount)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &c.Events); err != nil {
		c.Events = nil
	}
	c.Verified = verified != 0
	return &c, nil
}

// GetConfig returns the webhook configuration for (user, marketplace), or nil.
func (r *WebhookRepository) GetConfig(userID int64, mp domain.Marketplace) (*domain.WebhookConfig, error) {
	row := r.db.QueryRow(
		"SELECT "+webhookConfigColumns+" FROM webhook_configurations WHERE user_id = ? AND marketplace = ?",
		userID, mp)
	c, err := scanWebhookConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook config %d/%s: %w", userID, mp, err)
	}
	return c, nil
}

// ListConfigs returns all webhook configurations for a marketplace. Signature
// verification tries each active secret in turn.
func (r *WebhookRepository) ListConfigs(mp domain.Marketplace) ([]*domain.WebhookConfig, error) {
	rows, err := r.db.Query(
		"SELECT "+webhookConfigColumns+" FROM webhook_configurations WHERE marketplace = ?", mp)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook configs for %s: %w", mp, err)
	}
	defer rows.Close()

	var out []*domain.WebhookConfig
	for rows.Next() {
		c, err := scanWebhookConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertConfig creates or replaces the (user, marketplace) webhook configuration.
func (r *WebhookRepository) UpsertConfig(c *domain.WebhookConfig) error {
	events, err := json.Marshal(c.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook events: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO webhook_configurations (user_id, marketplace, endpoint, secret, events, verified, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, marketplace) DO UPDATE SET
			endpoint = excluded.endpoint,
			secret = excluded.secret,
			events = excluded.events,
			verified = excluded.verified,
			error_count = excluded.error_count
	`, c.UserID, c.Marketplace, c.Endpoint, c.Secret, string(events),
		boolToInt(c.Verified), c.ErrorCount)
	if err != nil {
		return fmt.Errorf("failed to upsert webhook config %d/%s: %w", c.UserID, c.Marketplace, err)
	}
	return nil
}

// BumpConfigErrors increments a configuration's error counter.
func (r *WebhookRepository) BumpConfigErrors(id int64) error {
	_, err := r.db.Exec("UPDATE webhook_configurations SET error_count = error_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to bump webhook config %d errors: %w", id, err)
	}
	return nil
}

const webhookEventColumns = `id, marketplace, external_id, kind, payload, headers,
	signature_valid, status, duplicate_of, priority, received_at`

func scanWebhookEvent(row interface{ Scan(...interface{}) error }) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var headers string
	var sigValid int
	var dup sql.NullInt64
	var received int64
	err := row.Scan(&e.ID, &e.Marketplace, &e.ExternalID, &e.Kind, &e.Payload,
		&headers, &sigValid, &e.Status, &dup, &e.Priority, &received)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		e.Headers = nil
	}
	e.SignatureValid = sigValid != 0
	if dup.Valid {
		e.DuplicateOf = &dup.Int64
	}
	e.ReceivedAt = time.Unix(received, 0).UTC()
	return &e, nil
}

// InsertEvent records a received event and returns the stored copy. Duplicate
// detection rides on the partial unique index over (marketplace, external_id):
// when the insert conflicts, the event is stored anyway with duplicate_of
// pointing at the original and status ignored, so every delivery stays on
// record.
func (r *WebhookRepository) InsertEvent(e *domain.WebhookEvent) (*domain.WebhookEvent, error) {
	received := e.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook headers: %w", err)
	}
	status := e.Status
	if status == "" {
		status = domain.WebhookPending
	}

	insert := func(dup *int64, st domain.WebhookEventStatus) (int64, error) {
		res, err := r.db.Exec(`
			INSERT INTO webhook_events
				(marketplace, external_id, kind, payload, headers, signature_valid,
				 status, duplicate_of, priority, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.Marketplace, e.ExternalID, e.Kind, e.Payload, string(headers),
			boolToInt(e.SignatureValid), st, dupArg(dup), e.Priority, received.Unix())
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}

	id, err := insert(nil, status)
	if err == nil {
		out := *e
		out.ID = id
		out.Status = status
		out.ReceivedAt = received
		return &out, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	var originalID int64
	qerr := r.db.QueryRow(`
		SELECT id FROM webhook_events
		WHERE marketplace = ? AND external_id = ? AND duplicate_of IS NULL
	`, e.Marketplace, e.ExternalID).Scan(&originalID)
	if qerr != nil {
		return nil, fmt.Errorf("failed to resolve duplicate webhook event: %w", qerr)
	}

	id, err = insert(&originalID, domain.WebhookIgnored)
	if err != nil {
		return nil, fmt.Errorf("failed to insert duplicate webhook event: %w", err)
	}

	out := *e
	out.ID = id
	out.Status = domain.WebhookIgnored
	out.DuplicateOf = &originalID
	out.ReceivedAt = received
	return &out, nil
}

func dupArg(dup *int64) interface{} {
	if dup == nil {
		return nil
	}
	return *dup
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetEvent returns an event by id, or nil.
func (r *WebhookRepository) GetEvent(id int64) (*domain.WebhookEvent, error) {
	row := r.db.QueryRow("SELECT "+webhookEventColumns+" FROM webhook_events WHERE id = ?", id)
	e, err := scanWebhookEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event %d: %w", id, err)
	}
	return e, nil
}

// UpdateEventStatus advances an event through its lifecycle.
func (r *WebhookRepository) UpdateEventStatus(id int64, status domain.WebhookEventStatus) error {
	_, err := r.db.Exec("UPDATE webhook_events SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update webhook event %d status: %w", id, err)
	}
	return nil
}

// ListEventsByStatus returns events in a given state, oldest first. The worker
// uses this at startup to recover events that never finished processing.
func (r *WebhookRepository) ListEventsByStatus(status domain.WebhookEventStatus, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := r.db.Query(`
		SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE status = ? ORDER BY received_at, id LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events by status: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes events received before cutoff.
func (r *WebhookRepository) PruneEvents(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM webhook_events WHERE received_at < ?", cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	return res.RowsAffected()
}

const pollingColumns = `id, user_id, marketplace, interval_seconds, min_interval_seconds,
	max_interval_seconds, last_poll_at, last_outcome, consecutive_failures,
	consecutive_empty, disabled`

func scanPolling(row interface{ Scan(...interface{}) error }) (*domain.PollingSchedule, error) {
	var p domain.PollingSchedule
	var interval, minInterval, maxInterval int64
	var lastPoll sql.NullInt64
	var disabled int
	err := row.Scan(&p.ID, &p.UserID, &p.Marketplace, &interval, &minInterval,
		&maxInterval, &lastPoll, &p.LastOutcome, &p.ConsecutiveFailures,
		&p.ConsecutiveEmpty, &disabled)
	if err != nil {
		return nil, err
	}
	p.Interval = time.Duration(interval) * time.Second
	p.MinInterval = time.Duration(minInterval) * time.Second
	p.MaxInterval = time.Duration(maxInterval) * time.Second
	p.LastPollAt = nullUnix(lastPoll)
	p.Disabled = disabled != 0
	return &p, nil
}

// CreatePolling inserts a polling schedule and returns its id.
func (r *WebhookRepository) CreatePolling(p *domain.PollingSchedule) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO polling_schedules
			(user_id, marketplace, interval_seconds, min_interval_seconds,
			 max_interval_seconds, last_outcome, disabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.UserID, p.Marketplace, int64(p.Interval.Seconds()),
		int64(p.MinInterval.Seconds()), int64(p.MaxInterval.Seconds()),
		p.LastOutcome, boolToInt(p.Disabled))
	if err != nil {
		return 0, fmt.Errorf("failed to create polling schedule: %w", err)
	}
	return res.LastInsertId()
}

// GetPolling returns the polling schedule for (user, marketplace), or nil.
func (r *WebhookRepository) GetPolling(userID int64, mp domain.Marketplace) (*domain.PollingSchedule, error) {
	row := r.db.QueryRow(
		"SELECT "+pollingColumns+" FROM polling_schedules WHERE user_id = ? AND marketplace = ?",
		userID, mp)
	p, err := scanPolling(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get polling schedule %d/%s: %w", userID, mp, err)
	}
	return p, nil
}

// ListDuePolling returns enabled schedules whose interval has elapsed since the
// last poll. Never-polled schedules are always due.
func (r *WebhookRepository) ListDuePolling(now time.Time) ([]*domain.PollingSchedule, error) {
	rows, err := r.db.Query(`
		SELECT `+pollingColumns+` FROM polling_schedules
		WHERE disabled = 0
		  AND (last_poll_at IS NULL OR last_poll_at + interval_seconds <= ?)
		ORDER BY last_poll_at
	`, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list due polling schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.PollingSchedule
	for rows.Next() {
		p, err := scanPolling(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan polling schedule: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePolling persists a polling schedule's adaptive state after a poll.
func (r *WebhookRepository) UpdatePolling(p *domain.PollingSchedule) error {
	_, err := r.db.Exec(`
		UPDATE polling_schedules
		SET interval_seconds = ?, last_poll_at = ?, last_outcome = ?,
		    consecutive_failures = ?, consecutive_empty = ?, disabled = ?
		WHERE id = ?
	`, int64(p.Interval.Seconds()), unixPtr(p.LastPollAt), p.LastOutcome,
		p.ConsecutiveFailures, p.ConsecutiveEmpty, boolToInt(p.Disabled), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update polling schedule %d: %w", p.ID, err)
	}
	return nil
}
