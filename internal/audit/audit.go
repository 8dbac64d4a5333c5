// Package audit appends controller events to the durable audit log.
//
// Writes are synchronous: the event row is durable before the response
// that triggered it returns.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/privatebeach/beach-manager/internal/db"
	"github.com/privatebeach/beach-manager/internal/models"
)

// Recorder is the append side of the audit log. Components that only
// write events take this interface so tests can record in memory.
type Recorder interface {
	Record(ctx context.Context, ev *models.ControllerEvent) error
}

// Service writes and reads the append-only controller event log.
type Service struct {
	database *db.Database
}

// NewService creates an audit service over the durable store.
func NewService(database *db.Database) *Service {
	return &Service{database: database}
}

// Record appends one controller event. The caller blocks until the row
// is durable.
func (s *Service) Record(ctx context.Context, ev *models.ControllerEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	var payload []byte
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = b
	}

	err := s.database.DB().QueryRowContext(ctx, `
		INSERT INTO controller_events (kind, session_id, controller_id, issued_by, lease_id, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, string(ev.Kind), ev.SessionID, nullable(ev.ControllerID), nullable(ev.IssuedBy),
		nullable(ev.LeaseID), ev.OccurredAt, payload).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("append controller event: %w", err)
	}
	return nil
}

// List returns events for a session, newest first, paginated by the id
// cursor (0 means from the top).
func (s *Service) List(ctx context.Context, sessionID string, beforeID int64, limit int) ([]models.ControllerEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, kind, session_id, controller_id, issued_by, lease_id, occurred_at, payload
		FROM controller_events
		WHERE session_id = $1
	`
	args := []interface{}{sessionID}
	if beforeID > 0 {
		query += " AND id < $2 ORDER BY id DESC LIMIT $3"
		args = append(args, beforeID, limit)
	} else {
		query += " ORDER BY id DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.database.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list controller events: %w", err)
	}
	defer rows.Close()

	events := []models.ControllerEvent{}
	for rows.Next() {
		var ev models.ControllerEvent
		var kind string
		var controllerID, issuedBy, leaseID sql.NullString
		var payload []byte

		if err := rows.Scan(&ev.ID, &kind, &ev.SessionID, &controllerID, &issuedBy, &leaseID, &ev.OccurredAt, &payload); err != nil {
			return nil, err
		}
		ev.Kind = models.ControllerEventKind(kind)
		ev.ControllerID = controllerID.String
		ev.IssuedBy = issuedBy.String
		ev.LeaseID = leaseID.String
		if len(payload) > 0 {
			json.Unmarshal(payload, &ev.Payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
