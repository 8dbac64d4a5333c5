// Package lease arbitrates who may drive a session.
//
// Lease tokens are opaque UUIDs; the Manager does not accept JWT leases.
// Multiple concurrent leases per session are a normal condition; no
// cross-lease mutual exclusion is enforced.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
)

// Typed validation failures. Handlers and the gate map these to wire
// codes.
var (
	ErrUnknown        = errors.New("lease unknown")
	ErrExpired        = errors.New("lease expired")
	ErrRevoked        = errors.New("lease revoked")
	ErrTargetMismatch = errors.New("lease target mismatch")
)

// DefaultTTL applies when a caller requests no explicit lease duration.
const DefaultTTL = 10 * time.Minute

// cleanupGrace is how long an expired lease row survives before the
// sweeper removes it. Expiry itself is evaluated lazily at validation
// time; the sweeper never revokes.
const cleanupGrace = 1 * time.Hour

// Store is the durable side of the lease manager. The production
// implementation sits on Postgres; tests use the in-memory one.
type Store interface {
	Insert(ctx context.Context, l *models.ControllerLease) error
	// Get returns ErrUnknown for ids the store has never seen.
	Get(ctx context.Context, id string) (*models.ControllerLease, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeAll revokes every active lease on the session and returns
	// the leases it touched.
	RevokeAll(ctx context.Context, sessionID string, at time.Time) ([]models.ControllerLease, error)
	ListActive(ctx context.Context, sessionID string, now time.Time) ([]models.ControllerLease, error)
	HasActive(ctx context.Context, sessionID string, now time.Time) (bool, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Manager owns ControllerLease lifetimes.
type Manager struct {
	store   Store
	auditor audit.Recorder
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cache map[string]*models.ControllerLease

	// RenewHook, when set, fires after a successful renewal. The attach
	// coordinator uses it to rotate publish tokens.
	RenewHook func(sessionID string)

	// ReleaseHook fires when the last active lease for a session is
	// released or revoked.
	ReleaseHook func(sessionID string)
}

// NewManager constructs the lease manager over a store.
func NewManager(store Store, auditor audit.Recorder, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		auditor: auditor,
		metrics: m,
		cache:   make(map[string]*models.ControllerLease),
	}
}

// Acquire mints a lease. Concurrent acquires by different requesters
// each succeed with distinct tokens. An empty controlling account marks
// a harness bootstrap lease.
func (m *Manager) Acquire(ctx context.Context, sessionID, requester, controlling string, ttl time.Duration, reason string) (*models.ControllerLease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	l := &models.ControllerLease{
		ID:                 uuid.New().String(),
		SessionID:          sessionID,
		ControllingAccount: controlling,
		IssuedBy:           requester,
		Reason:             reason,
		IssuedAt:           now,
		ExpiresAt:          now.Add(ttl),
	}

	if err := m.store.Insert(ctx, l); err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}

	// Audit before returning: the acquired event must be durable before
	// the caller sees the token.
	if err := m.auditor.Record(ctx, &models.ControllerEvent{
		Kind:         models.EventAcquired,
		SessionID:    sessionID,
		ControllerID: controlling,
		IssuedBy:     requester,
		LeaseID:      l.ID,
		Payload:      map[string]interface{}{"ttl_seconds": int(ttl.Seconds()), "reason": reason},
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[l.ID] = l
	m.mu.Unlock()
	m.metrics.ActiveLeases.Inc()

	logger.Lease().Info().
		Str("session_id", sessionID).
		Str("lease_id", l.ID).
		Str("issued_by", requester).
		Msg("Lease acquired")
	return l, nil
}

// Renew extends the lease expiry in place by its originally issued
// duration. It never allocates a new token and never disturbs sibling
// leases.
func (m *Manager) Renew(ctx context.Context, token string) (*models.ControllerLease, error) {
	l, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if l.RevokedAt != nil {
		return nil, ErrRevoked
	}
	if now.After(l.ExpiresAt) {
		return nil, ErrExpired
	}

	extension := l.ExpiresAt.Sub(l.IssuedAt)
	newExpiry := now.Add(extension)

	if err := m.store.UpdateExpiry(ctx, token, newExpiry); err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}

	if err := m.auditor.Record(ctx, &models.ControllerEvent{
		Kind:      models.EventRenewed,
		SessionID: l.SessionID,
		LeaseID:   l.ID,
		IssuedBy:  l.IssuedBy,
	}); err != nil {
		return nil, err
	}

	updated := *l
	updated.ExpiresAt = newExpiry
	m.mu.Lock()
	m.cache[token] = &updated
	m.mu.Unlock()

	if m.RenewHook != nil {
		m.RenewHook(l.SessionID)
	}
	return &updated, nil
}

// Release ends a lease. Idempotent: releasing a released or unknown
// token succeeds quietly.
func (m *Manager) Release(ctx context.Context, token string) error {
	l, err := m.load(ctx, token)
	if errors.Is(err, ErrUnknown) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.RevokedAt != nil {
		return nil
	}

	if err := m.store.Revoke(ctx, token, time.Now()); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	if err := m.auditor.Record(ctx, &models.ControllerEvent{
		Kind:      models.EventReleased,
		SessionID: l.SessionID,
		LeaseID:   l.ID,
		IssuedBy:  l.IssuedBy,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cache, token)
	m.mu.Unlock()
	m.metrics.ActiveLeases.Dec()

	m.notifyIfLastReleased(ctx, l.SessionID)
	return nil
}

// RevokeAll terminates every active lease on a session. Used by
// emergency-stop flows; emits one revoked event per lease.
func (m *Manager) RevokeAll(ctx context.Context, sessionID, reason string) (int, error) {
	revoked, err := m.store.RevokeAll(ctx, sessionID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("revoke leases: %w", err)
	}

	for i := range revoked {
		if err := m.auditor.Record(ctx, &models.ControllerEvent{
			Kind:      models.EventRevoked,
			SessionID: sessionID,
			LeaseID:   revoked[i].ID,
			IssuedBy:  revoked[i].IssuedBy,
			Payload:   map[string]interface{}{"reason": reason},
		}); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	for token, l := range m.cache {
		if l.SessionID == sessionID {
			delete(m.cache, token)
		}
	}
	m.mu.Unlock()
	m.metrics.ActiveLeases.Sub(float64(len(revoked)))

	logger.Lease().Warn().
		Str("session_id", sessionID).
		Int("revoked", len(revoked)).
		Str("reason", reason).
		Msg("All leases revoked")

	if len(revoked) > 0 && m.ReleaseHook != nil {
		m.ReleaseHook(sessionID)
	}
	return len(revoked), nil
}

// Validate returns the lease when the token is live, unrevoked,
// unexpired, and bound to the target session. Expiry is evaluated here,
// lazily, not by the sweeper.
func (m *Manager) Validate(ctx context.Context, token, targetSessionID string) (*models.ControllerLease, error) {
	l, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if l.RevokedAt != nil {
		return nil, ErrRevoked
	}
	if !now.Before(l.ExpiresAt) {
		return nil, ErrExpired
	}
	if l.SessionID != targetSessionID {
		return nil, ErrTargetMismatch
	}
	return l, nil
}

// ListActive returns live leases for a session.
func (m *Manager) ListActive(ctx context.Context, sessionID string) ([]models.ControllerLease, error) {
	return m.store.ListActive(ctx, sessionID, time.Now())
}

// HasActive reports whether any live lease exists for the session.
func (m *Manager) HasActive(ctx context.Context, sessionID string) (bool, error) {
	return m.store.HasActive(ctx, sessionID, time.Now())
}

// StartSweeper runs the cleanup loop until the context is cancelled.
// It removes lease rows expired beyond the grace window; it never
// revokes a lease that validation has not already rejected.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	n, err := m.store.DeleteExpiredBefore(ctx, time.Now().Add(-cleanupGrace))
	if err != nil {
		logger.Lease().Error().Err(err).Msg("Lease sweep failed")
		return
	}
	if n > 0 {
		logger.Lease().Debug().Int64("removed", n).Msg("Expired leases cleaned up")
	}

	// Drop expired entries from the cache too.
	now := time.Now()
	m.mu.Lock()
	for token, l := range m.cache {
		if now.After(l.ExpiresAt.Add(cleanupGrace)) {
			delete(m.cache, token)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) notifyIfLastReleased(ctx context.Context, sessionID string) {
	if m.ReleaseHook == nil {
		return
	}
	active, err := m.HasActive(ctx, sessionID)
	if err == nil && !active {
		m.ReleaseHook(sessionID)
	}
}

func (m *Manager) load(ctx context.Context, token string) (*models.ControllerLease, error) {
	if _, err := uuid.Parse(token); err != nil {
		return nil, ErrUnknown
	}
	m.mu.RLock()
	cached, ok := m.cache[token]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	l, err := m.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[token] = l
	m.mu.Unlock()
	return l, nil
}
