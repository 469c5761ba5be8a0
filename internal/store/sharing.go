package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// ShareSettingsRepository handles per-(user, marketplace) share configuration
// in core.db.
type ShareSettingsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewShareSettingsRepository creates a new share settings repository.
func NewShareSettingsRepository(db *sql.DB, log zerolog.Logger) *ShareSettingsRepository {
	return &ShareSettingsRepository{
		db:  db,
		log: log.With().Str("repository", "share_settings").Logger(),
	}
}

const shareSettingsColumns = `id, user_id, marketplace, daily_share_limit,
	shares_per_session, session_break_minutes, min_share_interval,
	max_share_interval, share_order, reverse_order, peak_hours_enabled,
	peak_windows, peak_multiplier, weekend_multiplier, party_share_enabled,
	max_party_shares, shares_this_month, shares_all_time, last_share_at,
	last_bulk_share_at`

func scanShareSettings(row interface{ Scan(...interface{}) error }) (*domain.ShareSettings, error) {
	var s domain.ShareSettings
	var minInterval, maxInterval int64
	var reverse, peakEnabled, partyEnabled int
	var peakWindows string
	var lastShare, lastBulk sql.NullInt64

	err := row.Scan(&s.ID, &s.UserID, &s.Marketplace, &s.DailyShareLimit,
		&s.SharesPerSession, &s.SessionBreakMinutes, &minInterval, &maxInterval,
		&s.Order, &reverse, &peakEnabled, &peakWindows, &s.PeakMultiplier,
		&s.WeekendMultiplier, &partyEnabled, &s.MaxPartyShares,
		&s.SharesThisMonth, &s.SharesAllTime, &lastShare, &lastBulk)
	if err != nil {
		return nil, err
	}

	s.MinShareInterval = time.Duration(minInterval) * time.Second
	s.MaxShareInterval = time.Duration(maxInterval) * time.Second
	s.ReverseOrder = reverse != 0
	s.PeakHoursEnabled = peakEnabled != 0
	s.PartyShareEnabled = partyEnabled != 0
	if err := json.Unmarshal([]byte(peakWindows), &s.PeakWindows); err != nil {
		s.PeakWindows = nil
	}
	s.LastShareAt = nullUnix(lastShare)
	s.LastBulkShareAt = nullUnix(lastBulk)
	return &s, nil
}

// Get returns share settings for (user, marketplace). A missing row reads as
// the stock defaults so the share action never needs a setup step.
func (r *ShareSettingsRepository) Get(userID int64, mp domain.Marketplace) (*domain.ShareSettings, error) {
	row := r.db.QueryRow(
		"SELECT "+shareSettingsColumns+" FROM share_settings WHERE user_id = ? AND marketplace = ?",
		userID, mp)
	s, err := scanShareSettings(row)
	if err == sql.ErrNoRows {
		return domain.DefaultShareSettings(userID, mp), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get share settings %d/%s: %w", userID, mp, err)
	}
	return s, nil
}

// Upsert creates or replaces the (user, marketplace) share settings.
func (r *ShareSettingsRepository) Upsert(s *domain.ShareSettings) error {
	windows, err := json.Marshal(s.PeakWindows)
	if err != nil {
		return fmt.Errorf("failed to marshal peak windows: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO share_settings
			(user_id, marketplace, daily_share_limit, shares_per_session,
			 session_break_minutes, min_share_interval, max_share_interval,
			 share_order, reverse_order, peak_hours_enabled, peak_windows,
			 peak_multiplier, weekend_multiplier, party_share_enabled,
			 max_party_shares, shares_this_month, shares_all_time,
			 last_share_at, last_bulk_share_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, marketplace) DO UPDATE SET
			daily_share_limit = excluded.daily_share_limit,
			shares_per_session = excluded.shares_per_session,
			session_break_minutes = excluded.session_break_minutes,
			min_share_interval = excluded.min_share_interval,
			max_share_interval = excluded.max_share_interval,
			share_order = excluded.share_order,
			reverse_order = excluded.reverse_order,
			peak_hours_enabled = excluded.peak_hours_enabled,
			peak_windows = excluded.peak_windows,
			peak_multiplier = excluded.peak_multiplier,
			weekend_multiplier = excluded.weekend_multiplier,
			party_share_enabled = excluded.party_share_enabled,
			max_party_shares = excluded.max_party_shares,
			shares_this_month = excluded.shares_this_month,
			shares_all_time = excluded.shares_all_time,
			last_share_at = excluded.last_share_at,
			last_bulk_share_at = excluded.last_bulk_share_at
	`, s.UserID, s.Marketplace, s.DailyShareLimit, s.SharesPerSession,
		s.SessionBreakMinutes, int64(s.MinShareInterval.Seconds()),
		int64(s.MaxShareInterval.Seconds()), s.Order, boolToInt(s.ReverseOrder),
		boolToInt(s.PeakHoursEnabled), string(windows), s.PeakMultiplier,
		s.WeekendMultiplier, boolToInt(s.PartyShareEnabled), s.MaxPartyShares,
		s.SharesThisMonth, s.SharesAllTime, unixPtr(s.LastShareAt),
		unixPtr(s.LastBulkShareAt))
	if err != nil {
		return fmt.Errorf("failed to upsert share settings %d/%s: %w", s.UserID, s.Marketplace, err)
	}
	return nil
}

// RecordShares bumps the running share counters after a session.
func (r *ShareSettingsRepository) RecordShares(userID int64, mp domain.Marketplace, count int, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE share_settings
		SET shares_this_month = shares_this_month + ?,
		    shares_all_time = shares_all_time + ?,
		    last_share_at = ?
		WHERE user_id = ? AND marketplace = ?
	`, count, count, at.UTC().Unix(), userID, mp)
	if err != nil {
		return fmt.Errorf("failed to record shares %d/%s: %w", userID, mp, err)
	}
	return nil
}

// OfferTemplateRepository handles offer templates in core.db.
type OfferTemplateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOfferTemplateRepository creates a new offer template repository.
func NewOfferTemplateRepository(db *sql.DB, log zerolog.Logger) *OfferTemplateRepository {
	return &OfferTemplateRepository{
		db:  db,
		log: log.With().Str("repository", "offer_templates").Logger(),
	}
}

const offerTemplateColumns = `id, user_id, name, discount_type, discount_value,
	shipping_discount, bundle_tiers, expiration_hours, targeting,
	daily_offer_limit, min_price_threshold, price_floor`

func scanOfferTemplate(row interface{ Scan(...interface{}) error }) (*domain.OfferTemplate, error) {
	var t domain.OfferTemplate
	var tiers string
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.DiscountType, &t.DiscountValue,
		&t.ShippingDiscount, &tiers, &t.ExpirationHours, &t.Targeting,
		&t.DailyOfferLimit, &t.MinPriceThreshold, &t.PriceFloor)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tiers), &t.BundleTiers); err != nil {
		t.BundleTiers = nil
	}
	return &t, nil
}

// Get returns an offer template by id, or nil.
func (r *OfferTemplateRepository) Get(id int64) (*domain.OfferTemplate, error) {
	row := r.db.QueryRow("SELECT "+offerTemplateColumns+" FROM offer_templates WHERE id = ?", id)
	t, err := scanOfferTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer template %d: %w", id, err)
	}
	return t, nil
}

// Create inserts an offer template and returns its id.
func (r *OfferTemplateRepository) Create(t *domain.OfferTemplate) (int64, error) {
	tiers, err := json.Marshal(t.BundleTiers)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal bundle tiers: %w", err)
	}
	res, err := r.db.Exec(`
		INSERT INTO offer_templates
			(user_id, name, discount_type, discount_value, shipping_discount,
			 bundle_tiers, expiration_hours, targeting, daily_offer_limit,
			 min_price_threshold, price_floor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.UserID, t.Name, t.DiscountType, t.DiscountValue, t.ShippingDiscount,
		string(tiers), t.ExpirationHours, t.Targeting, t.DailyOfferLimit,
		t.MinPriceThreshold, t.PriceFloor)
	if err != nil {
		return 0, fmt.Errorf("failed to create offer template: %w", err)
	}
	return res.LastInsertId()
}

// ListByUser returns a user's offer templates.
func (r *OfferTemplateRepository) ListByUser(userID int64) ([]*domain.OfferTemplate, error) {
	rows, err := r.db.Query("SELECT "+offerTemplateColumns+" FROM offer_templates WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offer templates for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []*domain.OfferTemplate
	for rows.Next() {
		t, err := scanOfferTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PriceDropRepository handles per-listing drop history in core.db.
type PriceDropRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPriceDropRepository creates a new price drop repository.
func NewPriceDropRepository(db *sql.DB, log zerolog.Logger) *PriceDropRepository {
	return &PriceDropRepository{
		db:  db,
		log: log.With().Str("repository", "price_drops").Logger(),
	}
}

// Record appends one drop to a listing's history.
func (r *PriceDropRepository) Record(d *domain.PriceDrop) (int64, error) {
	at := d.DroppedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := r.db.Exec(`
		INSERT INTO price_drops (listing_id, old_price, new_price, drop_pct, dropped_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.ListingID, d.OldPrice, d.NewPrice, d.DropPct, at.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to record price drop: %w", err)
	}
	return res.LastInsertId()
}

// ListByListing returns a listing's drops, most recent first.
func (r *PriceDropRepository) ListByListing(listingID int64) ([]*domain.PriceDrop, error) {
	rows, err := r.db.Query(`
		SELECT id, listing_id, old_price, new_price, drop_pct, dropped_at
		FROM price_drops WHERE listing_id = ? ORDER BY dropped_at DESC, id DESC
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list price drops for listing %d: %w", listingID, err)
	}
	defer rows.Close()

	var out []*domain.PriceDrop
	for rows.Next() {
		var d domain.PriceDrop
		var dropped int64
		if err := rows.Scan(&d.ID, &d.ListingID, &d.OldPrice, &d.NewPrice, &d.DropPct, &dropped); err != nil {
			return nil, fmt.Errorf("failed to scan price drop: %w", err)
		}
		d.DroppedAt = time.Unix(dropped, 0).UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}

// LastDrop returns the most recent drop for a listing, or nil.
func (r *PriceDropRepository) LastDrop(listingID int64) (*domain.PriceDrop, error) {
	var d domain.PriceDrop
	var dropped int64
	err := r.db.QueryRow(`
		SELECT id, listing_id, old_price, new_price, drop_pct, dropped_at
		FROM price_drops WHERE listing_id = ? ORDER BY dropped_at DESC, id DESC LIMIT 1
	`, listingID).Scan(&d.ID, &d.ListingID, &d.OldPrice, &d.NewPrice, &d.DropPct, &dropped)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last drop for listing %d: %w", listingID, err)
	}
	d.DroppedAt = time.Unix(dropped, 0).UTC()
	return &d, nil
}

// TotalDropPct sums the recorded drop percentages for a listing.
func (r *PriceDropRepository) TotalDropPct(listingID int64) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRow("SELECT SUM(drop_pct) FROM price_drops WHERE listing_id = ?", listingID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum drops for listing %d: %w", listingID, err)
	}
	return total.Float64, nil
}

// MarkerRepository handles action idempotency markers in core.db. A marker
// claims (rule, action, listing, attempt) exactly once; a retry that finds the
// marker skips the side effect.
type MarkerRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMarkerRepository creates a new marker repository.
func NewMarkerRepository(db *sql.DB, log zerolog.Logger) *MarkerRepository {
	return &MarkerRepository{
		db:  db,
		log: log.With().Str("repository", "markers").Logger(),
	}
}

// Claim inserts the marker and reports whether this caller won it.
func (r *MarkerRepository) Claim(ruleID int64, action string, listingID int64, attemptID string, at time.Time) (bool, error) {
	_, err := r.db.Exec(`
		INSERT INTO action_markers (rule_id, action, listing_id, attempt_id, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, ruleID, action, listingID, attemptID, at.UTC().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim action marker: %w", err)
	}
	return true, nil
}

// PruneBefore deletes markers applied before cutoff.
func (r *MarkerRepository) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM action_markers WHERE applied_at < ?", cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune action markers: %w", err)
	}
	return res.RowsAffected()
}
