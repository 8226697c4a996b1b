package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messenger/internal/models"
)

// DefaultListLimit bounds history reads when the caller gives no limit.
const DefaultListLimit = 200

// UserRepository stores presence state. Only the presence registry writes it.
type UserRepository interface {
	SetPresence(ctx context.Context, userID int, online bool, lastSeen time.Time) error
	GetPresence(ctx context.Context, userID int) (models.Presence, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// SetPresence upserts the presence flag and last-seen timestamp.
func (r *UserRepo) SetPresence(ctx context.Context, userID int, online bool, lastSeen time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (id, online, last_seen_at) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET online = EXCLUDED.online, last_seen_at = EXCLUDED.last_seen_at`, userID, online, lastSeen)
	return err
}

// GetPresence returns the stored presence; unknown users are offline.
func (r *UserRepo) GetPresence(ctx context.Context, userID int) (models.Presence, error) {
	var p models.Presence
	err := r.db.GetContext(ctx, &p, `SELECT id, online, last_seen_at FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Presence{UserID: userID}, nil
	}
	return p, err
}
