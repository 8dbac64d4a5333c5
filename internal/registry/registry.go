// Package registry is the durable session store and its transient
// runtime overlay.
//
// Sessions live in the durable store; hot entries are cached in a
// sharded in-process map (no I/O is ever performed under a shard lock).
// Runtime health and snapshot references live in the broker with a TTL
// and are reconciled onto the cached view by the stale sweeper.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/auth"
	"github.com/privatebeach/beach-manager/internal/broker"
	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/models"
)

// ErrNotFound is returned for unknown sessions. Handlers map it to 404
// without revealing cross-beach existence.
var ErrNotFound = errors.New("session not found")

const shardCount = 32

// Store is the durable side of the registry. The production
// implementation sits on Postgres; tests use the in-memory one.
type Store interface {
	Insert(ctx context.Context, s *models.Session) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	// GetByOrigin returns ErrNotFound when no session matches the pair.
	GetByOrigin(ctx context.Context, privateBeachID, originSessionID string) (*models.Session, error)
	List(ctx context.Context, privateBeachID string) ([]*models.Session, error)
	// Bind attaches the session to the beach and records the durable
	// attach transition.
	Bind(ctx context.Context, sessionID, privateBeachID string) error
	SetTransportMode(ctx context.Context, sessionID string, mode models.TransportMode) error
	End(ctx context.Context, sessionID string) error
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// Registry owns Session lifetimes.
type Registry struct {
	store   Store
	brk     *broker.Broker
	auditor audit.Recorder

	staleAfter time.Duration
	runtimeTTL time.Duration

	shards [shardCount]*shard
}

// New constructs the registry. runtimeTTL is derived from the harness
// health report interval.
func New(store Store, brk *broker.Broker, auditor audit.Recorder, staleAfter, healthInterval time.Duration) *Registry {
	r := &Registry{
		store:      store,
		brk:        brk,
		auditor:    auditor,
		staleAfter: staleAfter,
		runtimeTTL: 4 * healthInterval,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*models.Session)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) cachePut(s *models.Session) {
	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()
}

func (r *Registry) cacheGet(sessionID string) (*models.Session, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	s, ok := sh.sessions[sessionID]
	sh.mu.RUnlock()
	return s, ok
}

func (r *Registry) cacheDrop(sessionID string) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
}

// RegisterParams is the host-supplied registration payload.
type RegisterParams struct {
	SessionID       string
	PrivateBeachID  string
	OriginSessionID string
	HarnessKind     models.HarnessKind
	Capabilities    []string
	TransportMode   models.TransportMode
	CreatedBy       string
}

// RegisterResult carries the session plus the one-time join code; the
// code is only populated on first registration.
type RegisterResult struct {
	Session  *models.Session
	JoinCode string
}

// Register persists a session, idempotent on
// (private_beach_id, origin_session_id). Re-registration after a
// transient outage returns the existing row untouched. The `registered`
// audit event is emitted only on first registration.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*RegisterResult, error) {
	if p.OriginSessionID == "" {
		return nil, fmt.Errorf("origin_session_id is required")
	}
	if p.SessionID == "" {
		p.SessionID = uuid.New().String()
	}
	if p.HarnessKind == "" {
		p.HarnessKind = models.HarnessCustom
	}
	if p.TransportMode == "" {
		p.TransportMode = models.TransportHTTPFallback
	}

	// Idempotency check first: a duplicate (beach, origin) pair returns
	// the existing session.
	if p.PrivateBeachID != "" {
		existing, err := r.store.GetByOrigin(ctx, p.PrivateBeachID, p.OriginSessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			r.cachePut(existing)
			return &RegisterResult{Session: existing}, nil
		}
	}

	joinCode, joinHash, err := auth.GenerateJoinCode()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &models.Session{
		ID:              p.SessionID,
		PrivateBeachID:  p.PrivateBeachID,
		OriginSessionID: p.OriginSessionID,
		HarnessKind:     p.HarnessKind,
		Capabilities:    p.Capabilities,
		TransportMode:   p.TransportMode,
		State:           models.SessionRegistered,
		JoinCodeHash:    joinHash,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.PrivateBeachID != "" {
		s.State = models.SessionAttached
	}

	if err := r.store.Insert(ctx, s); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	r.cachePut(s)

	if err := r.auditor.Record(ctx, &models.ControllerEvent{
		Kind:      "registered",
		SessionID: s.ID,
		IssuedBy:  p.CreatedBy,
		Payload: map[string]interface{}{
			"origin_session_id": s.OriginSessionID,
			"harness_kind":      string(s.HarnessKind),
		},
	}); err != nil {
		return nil, err
	}

	logger.Registry().Info().
		Str("session_id", s.ID).
		Str("private_beach_id", s.PrivateBeachID).
		Str("harness_kind", string(s.HarnessKind)).
		Msg("Session registered")

	return &RegisterResult{Session: s, JoinCode: joinCode}, nil
}

// Get returns a session by id, cache first.
func (r *Registry) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if s, ok := r.cacheGet(sessionID); ok {
		return s, nil
	}

	s, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.cachePut(s)
	return s, nil
}

// List returns sessions attached to a private beach, with runtime
// staleness folded in. A session is visible to a beach only once
// attached.
func (r *Registry) List(ctx context.Context, privateBeachID string) ([]*models.Session, error) {
	sessions, err := r.store.List(ctx, privateBeachID)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		r.annotateRuntime(ctx, s)
	}
	return sessions, nil
}

// Bind attaches a session to a private beach; this is the durable attach
// transition.
func (r *Registry) Bind(ctx context.Context, sessionID, privateBeachID string) (*models.Session, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := r.store.Bind(ctx, sessionID, privateBeachID); err != nil {
		return nil, fmt.Errorf("bind session: %w", err)
	}

	updated := *s
	updated.PrivateBeachID = privateBeachID
	updated.State = models.SessionAttached
	updated.UpdatedAt = time.Now()
	r.cachePut(&updated)
	return &updated, nil
}

// SetTransportMode records the session's declared transport.
func (r *Registry) SetTransportMode(ctx context.Context, sessionID string, mode models.TransportMode) error {
	if err := r.store.SetTransportMode(ctx, sessionID, mode); err != nil {
		return fmt.Errorf("set transport mode: %w", err)
	}
	if s, ok := r.cacheGet(sessionID); ok {
		updated := *s
		updated.TransportMode = mode
		r.cachePut(&updated)
	}
	return nil
}

// SetFastPathReady flips the observed readiness flag on the cached view.
// The flag is advisory; the Command Gate re-validates at action time.
func (r *Registry) SetFastPathReady(sessionID string, ready bool) {
	if s, ok := r.cacheGet(sessionID); ok {
		updated := *s
		updated.FastPathReady = ready
		if ready {
			updated.State = models.SessionStreaming
		}
		r.cachePut(&updated)
	}
}

// End marks a session ended and evicts it from the cache.
func (r *Registry) End(ctx context.Context, sessionID string) error {
	if err := r.store.End(ctx, sessionID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	r.cacheDrop(sessionID)
	return nil
}

// RecordHealth stores a heartbeat in the transient runtime store. No
// durable write per heartbeat.
func (r *Registry) RecordHealth(ctx context.Context, sessionID, status string) error {
	return r.brk.SetRuntime(ctx, sessionID, broker.RuntimeState{HealthStatus: status}, r.runtimeTTL)
}

// RecordSnapshot stores the latest state snapshot reference.
func (r *Registry) RecordSnapshot(ctx context.Context, sessionID, snapshotRef string) error {
	return r.brk.SetRuntime(ctx, sessionID, broker.RuntimeState{SnapshotRef: snapshotRef}, r.runtimeTTL)
}

// SetPollerActive flags that the host is draining the broker over HTTP.
func (r *Registry) SetPollerActive(ctx context.Context, sessionID string, active bool) error {
	return r.brk.SetPollerFlag(ctx, sessionID, active, r.runtimeTTL)
}

// PollerActive reports whether the HTTP fallback consumer is live.
func (r *Registry) PollerActive(ctx context.Context, sessionID string) bool {
	st, err := r.brk.GetRuntime(ctx, sessionID)
	if err != nil {
		return false
	}
	return st.PollerActive
}

// Offline reports whether the session has gone silent past the stale
// threshold. Sessions that never reported health are not offline; they
// may simply predate the heartbeat loop.
func (r *Registry) Offline(ctx context.Context, sessionID string) bool {
	st, err := r.brk.GetRuntime(ctx, sessionID)
	if err != nil || st.ReportedAt.IsZero() {
		return false
	}
	return time.Since(st.ReportedAt) > r.staleAfter
}

// VerifyJoinCode checks an attach code against the session's stored
// hash. This is the local half of proof-of-control; the external
// directory check is the authoritative one.
func (r *Registry) VerifyJoinCode(ctx context.Context, sessionID, code string) (bool, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s.JoinCodeHash == "" {
		return false, nil
	}
	return auth.VerifyJoinCode(code, s.JoinCodeHash), nil
}

func (r *Registry) annotateRuntime(ctx context.Context, s *models.Session) {
	st, err := r.brk.GetRuntime(ctx, s.ID)
	if err != nil || st.ReportedAt.IsZero() {
		return
	}
	t := st.ReportedAt
	s.LastHealthAt = &t
	s.Stale = time.Since(t) > r.staleAfter
}

// StartStaleSweeper runs the liveness loop until the context is
// cancelled. It only marks; stale sessions keep their leases (revocation
// on staleness is an explicitly open policy question).
func (r *Registry) StartStaleSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.staleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale(ctx)
		}
	}
}

func (r *Registry) sweepStale(ctx context.Context) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		ids := make([]string, 0, len(sh.sessions))
		for id := range sh.sessions {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()

		// Runtime reads happen outside the shard lock.
		for _, id := range ids {
			st, err := r.brk.GetRuntime(ctx, id)
			if err != nil {
				continue
			}
			stale := !st.ReportedAt.IsZero() && time.Since(st.ReportedAt) > r.staleAfter
			sh.mu.Lock()
			if s, ok := sh.sessions[id]; ok && s.Stale != stale {
				updated := *s
				updated.Stale = stale
				if !st.ReportedAt.IsZero() {
					t := st.ReportedAt
					updated.LastHealthAt = &t
				}
				sh.sessions[id] = &updated
				if stale {
					logger.Registry().Warn().Str("session_id", id).Msg("Session marked stale")
				}
			}
			sh.mu.Unlock()
		}
	}
}
