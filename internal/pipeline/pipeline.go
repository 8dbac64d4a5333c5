// Package pipeline accepts controller action batches, validates them
// through the Command Gate, routes them to the fast path and the broker
// stream, and correlates acknowledgements back to producers.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/broker"
	"github.com/privatebeach/beach-manager/internal/lease"
	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
)

// LeaseValidator is the slice of the lease manager the gate consumes.
type LeaseValidator interface {
	Validate(ctx context.Context, token, targetSessionID string) (*models.ControllerLease, error)
}

// SessionSource is the slice of the registry the pipeline consumes.
type SessionSource interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	PollerActive(ctx context.Context, sessionID string) bool
	Offline(ctx context.Context, sessionID string) bool
	SetPollerActive(ctx context.Context, sessionID string, active bool) error
}

// FastPath is the delivery slice of the fast-path manager.
type FastPath interface {
	ChannelReady(sessionID string) bool
	SendAction(sessionID string, cmd *models.ActionCommand) error
}

// Queue tuning. The hard cap and resume threshold give the backpressure
// valve hysteresis; a session rejected at the cap stays rejected until
// the consumer drains down to the resume mark.
const (
	QueueHardLimit    = 500
	QueueResumeLimit  = 400
	VisibilityTimeout = broker.DefaultVisibilityTimeout

	// AckTimeout is how long an accepted action may wait for its ack
	// before the timeout is audited.
	AckTimeout = 60 * time.Second

	// Per-lease token bucket: sustained ops/s and burst. These are
	// load-bearing defaults for the per-controller command budget.
	RateLimit = 30
	RateBurst = 60

	// rateWarnWindow throttles the warn log to once per window per
	// lease.
	rateWarnWindow = time.Minute

	sweepInterval = 10 * time.Second
)

// pendingAction tracks one enqueued action awaiting its ack.
type pendingAction struct {
	entryID        string
	sessionID      string
	privateBeachID string
	enqueuedAt     time.Time
}

// leaseState carries the per-lease serialization and budget.
type leaseState struct {
	// mailbox serializes batches from one lease so cross-call arrival
	// order survives concurrent requests. No ordering exists across
	// leases.
	mailbox  sync.Mutex
	limiter  *rate.Limiter
	lastWarn time.Time
}

// sessionState is the per-session pipeline view.
type sessionState struct {
	dedup *dedupWindow
	// paused latches when depth hits the hard cap and clears once depth
	// is at or below the resume threshold.
	paused bool
	// fastPathDelivered records that at least one batch went out on the
	// data channel.
	fastPathDelivered bool
}

// Pipeline owns queue depth, rate limits, duplicate suppression, and
// ack correlation for every session.
type Pipeline struct {
	registry SessionSource
	leases   LeaseValidator
	brk      *broker.Broker
	fp       FastPath
	auditor  audit.Recorder
	metrics  *metrics.Metrics

	// strict controls whether gate drops surface as typed errors or as
	// silent successes (CONTROLLER_STRICT_GATING).
	strict bool

	mu       sync.Mutex
	byLease  map[string]*leaseState
	bySess   map[string]*sessionState
	pending  map[string]*pendingAction
	bindings map[string]string // lease id -> bound session id
}

// New wires the pipeline.
func New(reg SessionSource, leases LeaseValidator, brk *broker.Broker, fp FastPath, auditor audit.Recorder, m *metrics.Metrics, strict bool) *Pipeline {
	p := &Pipeline{
		registry: reg,
		leases:   leases,
		brk:      brk,
		fp:       fp,
		auditor:  auditor,
		metrics:  m,
		strict:   strict,
		byLease:  make(map[string]*leaseState),
		bySess:   make(map[string]*sessionState),
		pending:  make(map[string]*pendingAction),
		bindings: make(map[string]string),
	}
	return p
}

// BindController pairs a lease with its target session. Called on lease
// acquisition; the gate's pairing check requires it.
func (p *Pipeline) BindController(leaseID, sessionID string) {
	p.mu.Lock()
	p.bindings[leaseID] = sessionID
	p.mu.Unlock()
}

// UnbindController drops a single lease binding.
func (p *Pipeline) UnbindController(leaseID string) {
	p.mu.Lock()
	delete(p.bindings, leaseID)
	p.mu.Unlock()
}

// UnbindSession drops every binding onto the session; used by
// emergency-stop revocation.
func (p *Pipeline) UnbindSession(sessionID string) {
	p.mu.Lock()
	for id, sid := range p.bindings {
		if sid == sessionID {
			delete(p.bindings, id)
		}
	}
	p.mu.Unlock()
}

func (p *Pipeline) leaseState(leaseID string) *leaseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls, ok := p.byLease[leaseID]
	if !ok {
		ls = &leaseState{limiter: rate.NewLimiter(rate.Limit(RateLimit), RateBurst)}
		p.byLease[leaseID] = ls
	}
	return ls
}

func (p *Pipeline) sessionState(sessionID string) *sessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, ok := p.bySess[sessionID]
	if !ok {
		ss = &sessionState{dedup: newDedupWindow()}
		p.bySess[sessionID] = ss
	}
	return ss
}

// QueueActions is the single entry point for controller batches.
// The gate predicate runs in fixed order; the first failing check names
// the drop reason and the whole batch is refused with no side effects.
func (p *Pipeline) QueueActions(ctx context.Context, targetSessionID, leaseToken string, batch []models.ActionCommand, canAddress func(privateBeachID string) bool) (*models.QueueResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	l, sess, gerr := p.gate(ctx, targetSessionID, leaseToken, canAddress)
	if gerr != nil {
		return p.drop(ctx, targetSessionID, leaseToken, l, gerr)
	}

	ls := p.leaseState(l.ID)

	// Rate limit before the mailbox: a throttled caller should not hold
	// up its siblings.
	if !ls.limiter.AllowN(time.Now(), len(batch)) {
		p.metrics.RateLimited.Inc()
		now := time.Now()
		if now.Sub(ls.lastWarn) > rateWarnWindow {
			ls.lastWarn = now
			logger.Gate().Warn().
				Str("lease_id", l.ID).
				Str("target_session_id", targetSessionID).
				Msg("Per-lease rate limit exceeded")
		}
		return p.drop(ctx, targetSessionID, leaseToken, l, gateErr(DropRateLimited, "per-lease budget exceeded"))
	}

	// Backpressure with hysteresis.
	ss := p.sessionState(sess.ID)
	depth, err := p.brk.Depth(ctx, sess.PrivateBeachID, sess.ID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if ss.paused && depth <= QueueResumeLimit {
		ss.paused = false
	}
	if depth >= QueueHardLimit {
		ss.paused = true
	}
	paused := ss.paused
	p.mu.Unlock()
	if paused {
		return p.drop(ctx, targetSessionID, leaseToken, l, gateErr(DropQueueOverLimit, "pending depth %d at cap", depth))
	}

	// The mailbox serializes this lease's batches; within the critical
	// section the supplied action order is preserved on both paths.
	ls.mailbox.Lock()
	defer ls.mailbox.Unlock()

	result := &models.QueueResult{AcceptedIDs: []string{}, Rejected: []models.RejectedAction{}}

	// Duplicate suppression inside the queue horizon: duplicates are
	// acknowledged as accepted but produce no new enqueue.
	fresh := make([]models.ActionCommand, 0, len(batch))
	for _, cmd := range batch {
		if ss.dedup.Observe(cmd.ID) {
			result.AcceptedIDs = append(result.AcceptedIDs, cmd.ID)
			continue
		}
		fresh = append(fresh, cmd)
	}

	// Fast-path attempt: the whole batch goes to the data channel when
	// one is ready.
	fastDelivered := false
	if p.fp.ChannelReady(sess.ID) {
		fastDelivered = true
		for i := range fresh {
			if err := p.fp.SendAction(sess.ID, &fresh[i]); err != nil {
				logger.Gate().Warn().
					Err(err).
					Str("session_id", sess.ID).
					Msg("Fast-path send failed mid-batch, broker carries the remainder")
				fastDelivered = false
				break
			}
		}
	}

	if fastDelivered {
		p.mu.Lock()
		ss.fastPathDelivered = true
		p.mu.Unlock()
	} else if sess.TransportMode == models.TransportFastPath && !p.registry.PollerActive(ctx, sess.ID) {
		// Fast-path-only session with no live channel and no poller:
		// reject rather than strand the batch on a stream nobody reads.
		return p.drop(ctx, targetSessionID, leaseToken, l, gateErr(DropFastPathNotReady, "no open mgr-actions channel and no active poller"))
	}

	// Broker append happens even on fast-path success so a fallback
	// consumer can replay. Returning early here is the bug this design
	// reversed: it stranded actions whenever the forwarder, which reads
	// only the broker stream, needed to catch up.
	now := time.Now()
	for i := range fresh {
		cmd := &fresh[i]
		entryID, err := p.brk.Append(ctx, sess.PrivateBeachID, sess.ID, cmd)
		if err != nil {
			result.Rejected = append(result.Rejected, models.RejectedAction{
				ID: cmd.ID, Code: "broker_unavailable", Message: "enqueue failed",
			})
			continue
		}
		p.mu.Lock()
		p.pending[cmd.ID] = &pendingAction{
			entryID:        entryID,
			sessionID:      sess.ID,
			privateBeachID: sess.PrivateBeachID,
			enqueuedAt:     now,
		}
		p.mu.Unlock()
		result.AcceptedIDs = append(result.AcceptedIDs, cmd.ID)
	}

	p.metrics.ActionsAccepted.Inc()
	p.metrics.QueueDepth.WithLabelValues(sess.ID).Set(float64(depth + int64(len(fresh))))

	transport := "broker"
	if fastDelivered {
		transport = "fast_path"
	}
	logger.Gate().Info().
		Str("controller_session_id", l.ControllingAccount).
		Str("child_session_id", sess.ID).
		Str("lease_id", l.ID).
		Str("target_session_id", targetSessionID).
		Str("transport", transport).
		Int("actions", len(fresh)).
		Msg("Batch accepted")

	return result, nil
}

// gate runs the ordered predicate table. It returns the validated lease
// and session on success; the first failing check produces the drop.
func (p *Pipeline) gate(ctx context.Context, targetSessionID, leaseToken string, canAddress func(string) bool) (*models.ControllerLease, *models.Session, *GateError) {
	// Lease presence, then lease target.
	l, err := p.leases.Validate(ctx, leaseToken, targetSessionID)
	if err != nil {
		if errors.Is(err, lease.ErrTargetMismatch) {
			return nil, nil, gateErr(DropTargetMismatch, "lease bound to a different session")
		}
		return nil, nil, gateErr(DropMissingLease, "no live lease for token")
	}

	sess, err := p.registry.Get(ctx, targetSessionID)
	if err != nil {
		// Unknown target reads as not-attached; existence is not
		// revealed cross-beach.
		return l, nil, gateErr(DropChildNotAttached, "target not attached")
	}

	// Attachment: the session must be attached to a beach the caller
	// may address.
	if sess.PrivateBeachID == "" || (canAddress != nil && !canAddress(sess.PrivateBeachID)) {
		return l, sess, gateErr(DropChildNotAttached, "target not attached to an addressable beach")
	}

	// Fast-path readiness, observed at action time: a declared
	// fast-path session needs an open channel, a prior delivery, or an
	// active poller.
	if sess.TransportMode == models.TransportFastPath {
		ss := p.sessionState(sess.ID)
		p.mu.Lock()
		delivered := ss.fastPathDelivered
		p.mu.Unlock()
		if !p.fp.ChannelReady(sess.ID) && !delivered && !p.registry.PollerActive(ctx, sess.ID) {
			return l, sess, gateErr(DropFastPathNotReady, "fast-path handshake incomplete")
		}
	}

	// Pairing: the lease's controller must currently be bound to this
	// target.
	p.mu.Lock()
	bound, ok := p.bindings[l.ID]
	p.mu.Unlock()
	if !ok || bound != targetSessionID {
		return l, sess, gateErr(DropSessionNotBound, "controller not bound to target")
	}

	// Liveness.
	if p.registry.Offline(ctx, sess.ID) {
		return l, sess, gateErr(DropChildOffline, "target flagged offline")
	}

	return l, sess, nil
}

// drop records one refusal: exactly one counter increment, one log
// line, one audit entry, and zero queue appends. Under strict gating
// the typed error propagates; otherwise the caller sees an empty
// success.
func (p *Pipeline) drop(ctx context.Context, targetSessionID, leaseToken string, l *models.ControllerLease, gerr *GateError) (*models.QueueResult, error) {
	p.metrics.ActionsDropped.WithLabelValues(string(gerr.Reason)).Inc()

	ev := &models.ControllerEvent{
		Kind:      models.EventGateDrop,
		SessionID: targetSessionID,
		Payload: map[string]interface{}{
			"reason":            string(gerr.Reason),
			"target_session_id": targetSessionID,
		},
	}
	logEv := logger.Gate().Warn().
		Str("target_session_id", targetSessionID).
		Str("reason", string(gerr.Reason))
	if l != nil {
		ev.LeaseID = l.ID
		ev.ControllerID = l.ControllingAccount
		// A wrong-target drop carries both sessions for the audit trail.
		ev.Payload["lease_session_id"] = l.SessionID
		logEv = logEv.
			Str("lease_id", l.ID).
			Str("controller_session_id", l.ControllingAccount).
			Str("child_session_id", l.SessionID)
	}
	logEv.Msg("Batch dropped")

	if err := p.auditor.Record(ctx, ev); err != nil {
		logger.Gate().Error().Err(err).Msg("Audit write for gate drop failed")
	}

	if !p.strict {
		return &models.QueueResult{AcceptedIDs: []string{}, Rejected: []models.RejectedAction{}}, nil
	}
	return nil, gerr
}

// HandleAck resolves one ack from either path: latency is observed, the
// broker entry is acknowledged and deleted if still pending, and the
// depth gauge updated. Unknown ids are ignored; acks arrive in any
// order.
func (p *Pipeline) HandleAck(sessionID string, ack models.ActionAck) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	pa, ok := p.pending[ack.ID]
	if ok && pa.sessionID == sessionID {
		delete(p.pending, ack.ID)
	}
	p.mu.Unlock()

	if !ok || pa.sessionID != sessionID {
		logger.Broker().Debug().
			Str("session_id", sessionID).
			Str("action_id", ack.ID).
			Msg("Ack for unknown or foreign action ignored")
		return
	}

	latency := time.Duration(ack.LatencyMS) * time.Millisecond
	if ack.LatencyMS <= 0 {
		latency = time.Since(pa.enqueuedAt)
	}
	p.metrics.AckLatency.Observe(latency.Seconds())

	entryID := pa.entryID
	if entryID == "" {
		var found bool
		entryID, found, _ = p.brk.FindEntry(ctx, pa.privateBeachID, pa.sessionID, ack.ID)
		if !found {
			return
		}
	}
	if err := p.brk.Ack(ctx, pa.privateBeachID, pa.sessionID, entryID); err != nil {
		logger.Broker().Warn().
			Err(err).
			Str("session_id", sessionID).
			Str("action_id", ack.ID).
			Msg("Broker ack failed")
		return
	}

	if depth, err := p.brk.Depth(ctx, pa.privateBeachID, pa.sessionID); err == nil {
		p.metrics.QueueDepth.WithLabelValues(pa.sessionID).Set(float64(depth))
	}
}

// AckActions consumes an HTTP ack batch from a fallback host.
func (p *Pipeline) AckActions(sessionID string, acks []models.ActionAck) {
	for _, a := range acks {
		p.HandleAck(sessionID, a)
	}
}

// Poll drains up to count pending entries for an HTTP fallback host.
// Stalled deliveries past the visibility timeout are reclaimed first so
// a crashed consumer's entries are not stranded.
func (p *Pipeline) Poll(ctx context.Context, sess *models.Session, count int64) ([]models.ActionCommand, error) {
	if count <= 0 || count > 100 {
		count = 50
	}
	consumer := "sess:" + sess.ID

	reclaimed, err := p.brk.Reclaim(ctx, sess.PrivateBeachID, sess.ID, consumer, VisibilityTimeout)
	if err != nil {
		return nil, err
	}
	entries, err := p.brk.ReadPending(ctx, sess.PrivateBeachID, sess.ID, consumer, count, 0)
	if err != nil {
		return nil, err
	}

	if err := p.registry.SetPollerActive(ctx, sess.ID, true); err != nil {
		logger.Broker().Debug().Err(err).Str("session_id", sess.ID).Msg("Poller flag update failed")
	}

	out := make([]models.ActionCommand, 0, len(reclaimed)+len(entries))
	now := time.Now()
	for _, e := range append(reclaimed, entries...) {
		if e.Action.Expired(now) {
			p.brk.Ack(ctx, sess.PrivateBeachID, sess.ID, e.ID)
			continue
		}
		out = append(out, e.Action)
	}
	return out, nil
}

// Status summarizes the queue for the pending endpoint.
func (p *Pipeline) Status(ctx context.Context, sess *models.Session) (*models.QueueStatus, error) {
	depth, err := p.brk.Depth(ctx, sess.PrivateBeachID, sess.ID)
	if err != nil {
		return nil, err
	}
	lag, _ := p.brk.Lag(ctx, sess.PrivateBeachID, sess.ID)

	return &models.QueueStatus{
		Depth:         depth,
		Lag:           int64(lag / time.Millisecond),
		FastPathReady: p.fp.ChannelReady(sess.ID),
		Transport:     sess.TransportMode,
	}, nil
}

// StartSweeper runs the ack-timeout and reclaim loop until the context
// is cancelled.
func (p *Pipeline) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var timedOut []struct {
		id string
		pa *pendingAction
	}
	for id, pa := range p.pending {
		if now.Sub(pa.enqueuedAt) > AckTimeout {
			timedOut = append(timedOut, struct {
				id string
				pa *pendingAction
			}{id, pa})
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()

	for _, t := range timedOut {
		logger.Broker().Warn().
			Str("session_id", t.pa.sessionID).
			Str("action_id", t.id).
			Msg("Ack timeout")
		if err := p.auditor.Record(ctx, &models.ControllerEvent{
			Kind:      models.EventAckLost,
			SessionID: t.pa.sessionID,
			Payload:   map[string]interface{}{"action_id": t.id},
		}); err != nil {
			logger.Broker().Error().Err(err).Msg("Audit write for ack timeout failed")
		}
	}
}
