package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// UserRepository handles users in core.db.
type UserRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db *sql.DB, log zerolog.Logger) *UserRepository {
	return &UserRepository{
		db:  db,
		log: log.With().Str("repository", "users").Logger(),
	}
}

// Get returns a user by id, or nil if not found.
func (r *UserRepository) Get(id int64) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRow("SELECT id, email, timezone, plan FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Email, &u.Timezone, &u.Plan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &u, nil
}

// Create inserts a user and returns its id.
func (r *UserRepository) Create(u *domain.User) (int64, error) {
	tz := u.Timezone
	if tz == "" {
		tz = "UTC"
	}
	plan := u.Plan
	if plan == "" {
		plan = "free"
	}
	res, err := r.db.Exec("INSERT INTO users (email, timezone, plan) VALUES (?, ?, ?)", u.Email, tz, plan)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return res.LastInsertId()
}

// ConnectionRepository handles marketplace connections in core.db.
type ConnectionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *sql.DB, log zerolog.Logger) *ConnectionRepository {
	return &ConnectionRepository{
		db:  db,
		log: log.With().Str("repository", "connections").Logger(),
	}
}

const connectionColumns = `id, user_id, marketplace, connected, credential,
	credential_expires_at, last_sync_at`

func scanConnection(row interface{ Scan(...interface{}) error }) (*domain.MarketplaceConnection, error) {
	var c domain.MarketplaceConnection
	var connected int
	var expires, lastSync sql.NullInt64
	err := row.Scan(&c.ID, &c.UserID, &c.Marketplace, &connected, &c.Credential, &expires, &lastSync)
	if err != nil {
		return nil, err
	}
	c.Connected = connected != 0
	c.CredentialExpiresAt = nullUnix(expires)
	c.LastSyncAt = nullUnix(lastSync)
	return &c, nil
}

// Get returns the connection for (user, marketplace), or nil if none exists.
func (r *ConnectionRepository) Get(userID int64, mp domain.Marketplace) (*domain.MarketplaceConnection, error) {
	row := r.db.QueryRow(
		"SELECT "+connectionColumns+" FROM marketplace_connections WHERE user_id = ? AND marketplace = ?",
		userID, mp)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection %d/%s: %w", userID, mp, err)
	}
	return c, nil
}

// Create inserts a connection and returns its id.
func (r *ConnectionRepository) Create(c *domain.MarketplaceConnection) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO marketplace_connections (user_id, marketplace, connected, credential, credential_expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.UserID, c.Marketplace, boolToInt(c.Connected), c.Credential, unixPtr(c.CredentialExpiresAt))
	if err != nil {
		return 0, fmt.Errorf("failed to create connection: %w", err)
	}
	return res.LastInsertId()
}

// SetConnected flips the connectivity flag. Auth failures use this to force
// the user back through reauthentication.
func (r *ConnectionRepository) SetConnected(id int64, connected bool) error {
	_, err := r.db.Exec("UPDATE marketplace_connections SET connected = ? WHERE id = ?", boolToInt(connected), id)
	if err != nil {
		return fmt.Errorf("failed to set connection %d connected=%v: %w", id, connected, err)
	}
	return nil
}

// TouchSync records a successful sync time.
func (r *ConnectionRepository) TouchSync(id int64, at time.Time) error {
	_, err := r.db.Exec("UPDATE marketplace_connections SET last_sync_at = ? WHERE id = ?", at.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch sync for connection %d: %w", id, err)
	}
	return nil
}
