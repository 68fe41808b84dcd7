package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when the user has not completed a profile.
	ErrNotFound = errors.New("profile: not found")

	// ErrUsernameTaken is returned when another user holds the username,
	// compared case-insensitively.
	ErrUsernameTaken = errors.New("profile: username taken")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Profile is a row of the users table.
type Profile struct {
	UID         string    `db:"id" json:"uid"`
	Username    string    `db:"username" json:"username"`
	DisplayName string    `db:"display_name" json:"displayName"`
	PhotoURL    string    `db:"photo_url" json:"photoURL"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Update is the data written by SaveUsername. Username must already be
// canonical and valid.
type Update struct {
	UID         string
	Username    string
	DisplayName string
	PhotoURL    string
}

// Store reads and writes profiles in PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a Store on db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const profileColumns = ` id, username, display_name, photo_url, created_at, updated_at `

// Get returns the profile for uid, or ErrNotFound.
func (s *Store) Get(ctx context.Context, uid string) (Profile, error) {
	var p Profile
	err := s.db.GetContext(ctx, &p, `SELECT`+profileColumns+`FROM users WHERE id = $1`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile: get %s: %w", uid, err)
	}
	return p, nil
}

// SaveUsername claims u.Username for u.UID. The first save sets created_at;
// later saves overwrite the name and provider fields and keep created_at.
func (s *Store) SaveUsername(ctx context.Context, u Update) (Profile, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: begin: %w", err)
	}
	defer tx.Rollback()

	lower := Lower(u.Username)

	var holder string
	err = tx.GetContext(ctx, &holder,
		`SELECT id FROM users WHERE username_lower = $1 AND id <> $2 LIMIT 1`, lower, u.UID)
	switch {
	case err == nil:
		return Profile{}, ErrUsernameTaken
	case !errors.Is(err, sql.ErrNoRows):
		return Profile{}, fmt.Errorf("profile: check username: %w", err)
	}

	var p Profile
	err = tx.GetContext(ctx, &p, `
		INSERT INTO users (id, username, username_lower, display_name, photo_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username       = EXCLUDED.username,
			username_lower = EXCLUDED.username_lower,
			display_name   = EXCLUDED.display_name,
			photo_url      = EXCLUDED.photo_url,
			updated_at     = now()
		RETURNING`+profileColumns,
		u.UID, u.Username, lower, u.DisplayName, u.PhotoURL)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return Profile{}, ErrUsernameTaken
		}
		return Profile{}, fmt.Errorf("profile: save %s: %w", u.UID, err)
	}

	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("profile: commit: %w", err)
	}
	return p, nil
}
