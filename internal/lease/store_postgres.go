package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/privatebeach/beach-manager/internal/db"
	"github.com/privatebeach/beach-manager/internal/models"
)

// PostgresStore is the durable lease store.
type PostgresStore struct {
	database *db.Database
}

// NewPostgresStore wraps the shared database handle.
func NewPostgresStore(database *db.Database) *PostgresStore {
	return &PostgresStore{database: database}
}

func (s *PostgresStore) Insert(ctx context.Context, l *models.ControllerLease) error {
	_, err := s.database.DB().ExecContext(ctx, `
		INSERT INTO controller_leases (id, session_id, controlling_account, issued_by, reason, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.ID, l.SessionID, nullable(l.ControllingAccount), l.IssuedBy, nullable(l.Reason), l.IssuedAt, l.ExpiresAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.ControllerLease, error) {
	return scanLease(s.database.DB().QueryRowContext(ctx, `
		SELECT id, session_id, controlling_account, issued_by, reason, issued_at, expires_at, revoked_at
		FROM controller_leases WHERE id = $1
	`, id))
}

func (s *PostgresStore) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.database.DB().ExecContext(ctx, `
		UPDATE controller_leases SET expires_at = $1 WHERE id = $2 AND revoked_at IS NULL
	`, expiresAt, id)
	return err
}

func (s *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := s.database.DB().ExecContext(ctx, `
		UPDATE controller_leases SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL
	`, at, id)
	return err
}

func (s *PostgresStore) RevokeAll(ctx context.Context, sessionID string, at time.Time) ([]models.ControllerLease, error) {
	rows, err := s.database.DB().QueryContext(ctx, `
		UPDATE controller_leases SET revoked_at = $1
		WHERE session_id = $2 AND revoked_at IS NULL
		RETURNING id, session_id, controlling_account, issued_by, reason, issued_at, expires_at, revoked_at
	`, at, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revoked []models.ControllerLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		revoked = append(revoked, *l)
	}
	return revoked, rows.Err()
}

func (s *PostgresStore) ListActive(ctx context.Context, sessionID string, now time.Time) ([]models.ControllerLease, error) {
	rows, err := s.database.DB().QueryContext(ctx, `
		SELECT id, session_id, controlling_account, issued_by, reason, issued_at, expires_at, revoked_at
		FROM controller_leases
		WHERE session_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY issued_at ASC
	`, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	leases := []models.ControllerLease{}
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

func (s *PostgresStore) HasActive(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	var exists bool
	err := s.database.DB().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM controller_leases
			WHERE session_id = $1 AND revoked_at IS NULL AND expires_at > $2)
	`, sessionID, now).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.database.DB().ExecContext(ctx, `
		DELETE FROM controller_leases WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(row rowScanner) (*models.ControllerLease, error) {
	var l models.ControllerLease
	var controlling, reason sql.NullString
	var revokedAt sql.NullTime

	err := row.Scan(&l.ID, &l.SessionID, &controlling, &l.IssuedBy, &reason, &l.IssuedAt, &l.ExpiresAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("scan lease: %w", err)
	}
	l.ControllingAccount = controlling.String
	l.Reason = reason.String
	if revokedAt.Valid {
		t := revokedAt.Time
		l.RevokedAt = &t
	}
	return &l, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
