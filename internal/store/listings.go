package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// ListingRepository handles listings and listing posts in core.db.
type ListingRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewListingRepository creates a new listing repository.
func NewListingRepository(db *sql.DB, log zerolog.Logger) *ListingRepository {
	return &ListingRepository{
		db:  db,
		log: log.With().Str("repository", "listings").Logger(),
	}
}

const listingColumns = `id, user_id, title, price, quantity, category, brand,
	condition, status, created_at, updated_at`

func scanListing(row interface{ Scan(...interface{}) error }) (*domain.Listing, error) {
	var l domain.Listing
	var created, updated int64
	err := row.Scan(&l.ID, &l.UserID, &l.Title, &l.Price, &l.Quantity,
		&l.Category, &l.Brand, &l.Condition, &l.Status, &created, &updated)
	if err != nil {
		return nil, err
	}
	l.CreatedAt = time.Unix(created, 0).UTC()
	l.UpdatedAt = time.Unix(updated, 0).UTC()
	return &l, nil
}

// Get returns a listing by id, or nil if not found.
func (r *ListingRepository) Get(id int64) (*domain.Listing, error) {
	row := r.db.QueryRow("SELECT "+listingColumns+" FROM listings WHERE id = ?", id)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing %d: %w", id, err)
	}
	return l, nil
}

// Create inserts a listing and returns its id.
func (r *ListingRepository) Create(l *domain.Listing) (int64, error) {
	now := time.Now().UTC().Unix()
	status := l.Status
	if status == "" {
		status = domain.ListingDraft
	}
	res, err := r.db.Exec(`
		INSERT INTO listings (user_id, title, price, quantity, category, brand, condition, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.UserID, l.Title, l.Price, l.Quantity, l.Category, l.Brand, l.Condition, status, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create listing: %w", err)
	}
	return res.LastInsertId()
}

// ListActiveByUser returns a user's active listings ordered per the share order.
func (r *ListingRepository) ListActiveByUser(userID int64, order domain.ShareOrder, limit int) ([]*domain.Listing, error) {
	orderBy := "created_at DESC"
	switch order {
	case domain.ShareOldest:
		orderBy = "created_at ASC"
	case domain.SharePriceHigh:
		orderBy = "price DESC"
	case domain.SharePriceLow:
		orderBy = "price ASC"
	case domain.ShareRandom:
		orderBy = "RANDOM()"
	}

	query := fmt.Sprintf(`
		SELECT %s FROM listings
		WHERE user_id = ? AND status = 'active'
		ORDER BY %s LIMIT ?
	`, listingColumns, orderBy)

	rows, err := r.db.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active listings for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []*domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetStatus updates a listing's lifecycle state. Transitions are validated by
// callers; the repository only persists.
func (r *ListingRepository) SetStatus(id int64, status domain.ListingStatus) error {
	_, err := r.db.Exec("UPDATE listings SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set listing %d status: %w", id, err)
	}
	return nil
}

// UpdatePrice writes a new listing price.
func (r *ListingRepository) UpdatePrice(id int64, price float64) error {
	_, err := r.db.Exec("UPDATE listings SET price = ?, updated_at = ? WHERE id = ?",
		price, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update price for listing %d: %w", id, err)
	}
	return nil
}

const postColumns = `id, listing_id, marketplace, external_id, url, status, posted_at`

func scanPost(row interface{ Scan(...interface{}) error }) (*domain.ListingPost, error) {
	var p domain.ListingPost
	var postedAt sql.NullInt64
	err := row.Scan(&p.ID, &p.ListingID, &p.Marketplace, &p.ExternalID, &p.URL, &p.Status, &postedAt)
	if err != nil {
		return nil, err
	}
	p.PostedAt = nullUnix(postedAt)
	return &p, nil
}

// CreatePost inserts a listing post and returns its id.
func (r *ListingRepository) CreatePost(p *domain.ListingPost) (int64, error) {
	status := p.Status
	if status == "" {
		status = domain.PostPending
	}
	res, err := r.db.Exec(`
		INSERT INTO listing_posts (listing_id, marketplace, external_id, url, status, posted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ListingID, p.Marketplace, p.ExternalID, p.URL, status, unixPtr(p.PostedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to create listing post: %w", err)
	}
	return res.LastInsertId()
}

// PostsByListing returns all posts of a listing.
func (r *ListingRepository) PostsByListing(listingID int64) ([]*domain.ListingPost, error) {
	rows, err := r.db.Query("SELECT "+postColumns+" FROM listing_posts WHERE listing_id = ?", listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts for listing %d: %w", listingID, err)
	}
	defer rows.Close()

	var out []*domain.ListingPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PostByExternal resolves a post from its marketplace-native identity.
// This is how a sale webhook finds the listing it refers to.
func (r *ListingRepository) PostByExternal(mp domain.Marketplace, externalID string) (*domain.ListingPost, error) {
	row := r.db.QueryRow(
		"SELECT "+postColumns+" FROM listing_posts WHERE marketplace = ? AND external_id = ?",
		mp, externalID)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve post %s/%s: %w", mp, externalID, err)
	}
	return p, nil
}

// SetPostStatus updates one post's status.
func (r *ListingRepository) SetPostStatus(id int64, status domain.PostStatus) error {
	_, err := r.db.Exec("UPDATE listing_posts SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to set post %d status: %w", id, err)
	}
	return nil
}
