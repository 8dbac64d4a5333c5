package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/privatebeach/beach-manager/internal/db"
	"github.com/privatebeach/beach-manager/internal/models"
)

// PostgresStore is the durable session store.
type PostgresStore struct {
	database *db.Database
}

// NewPostgresStore wraps the shared database handle.
func NewPostgresStore(database *db.Database) *PostgresStore {
	return &PostgresStore{database: database}
}

const sessionColumns = `id, private_beach_id, origin_session_id, harness_kind, capabilities,
	transport_mode, state, join_code_hash, created_by, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, sess *models.Session) error {
	_, err := s.database.DB().ExecContext(ctx, `
		INSERT INTO sessions (id, private_beach_id, origin_session_id, harness_kind, capabilities,
			transport_mode, state, join_code_hash, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, sess.ID, nullable(sess.PrivateBeachID), sess.OriginSessionID, string(sess.HarnessKind),
		pq.Array(sess.Capabilities), string(sess.TransportMode), string(sess.State),
		sess.JoinCodeHash, nullable(sess.CreatedBy), sess.CreatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return scanSession(s.database.DB().QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
}

func (s *PostgresStore) GetByOrigin(ctx context.Context, privateBeachID, originSessionID string) (*models.Session, error) {
	return scanSession(s.database.DB().QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE private_beach_id = $1 AND origin_session_id = $2`,
		privateBeachID, originSessionID))
}

func (s *PostgresStore) List(ctx context.Context, privateBeachID string) ([]*models.Session, error) {
	rows, err := s.database.DB().QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE private_beach_id = $1 AND state != 'ended'
		ORDER BY created_at ASC`, privateBeachID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) Bind(ctx context.Context, sessionID, privateBeachID string) error {
	_, err := s.database.DB().ExecContext(ctx, `
		UPDATE sessions SET private_beach_id = $1, state = $2, updated_at = now() WHERE id = $3
	`, privateBeachID, string(models.SessionAttached), sessionID)
	if err != nil {
		return err
	}

	// session_runtime gets its durable row at attach; heartbeats stay in
	// the broker.
	_, err = s.database.DB().ExecContext(ctx, `
		INSERT INTO session_runtime (session_id, updated_at) VALUES ($1, now())
		ON CONFLICT (session_id) DO UPDATE SET updated_at = now()
	`, sessionID)
	return err
}

func (s *PostgresStore) SetTransportMode(ctx context.Context, sessionID string, mode models.TransportMode) error {
	_, err := s.database.DB().ExecContext(ctx, `
		UPDATE sessions SET transport_mode = $1, updated_at = now() WHERE id = $2
	`, string(mode), sessionID)
	return err
}

func (s *PostgresStore) End(ctx context.Context, sessionID string) error {
	_, err := s.database.DB().ExecContext(ctx, `
		UPDATE sessions SET state = 'ended', updated_at = now() WHERE id = $1
	`, sessionID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var pb, joinHash, createdBy sql.NullString
	var harness, transport, state string
	var caps pq.StringArray

	err := row.Scan(&s.ID, &pb, &s.OriginSessionID, &harness, &caps,
		&transport, &state, &joinHash, &createdBy, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.PrivateBeachID = pb.String
	s.HarnessKind = models.HarnessKind(harness)
	s.Capabilities = caps
	s.TransportMode = models.TransportMode(transport)
	s.State = models.SessionState(state)
	s.JoinCodeHash = joinHash.String
	s.CreatedBy = createdBy.String
	return &s, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
