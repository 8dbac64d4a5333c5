// Package handshake binds freshly-launched hosts to private beaches and
// pushes them the credentials they need, out of band, over their
// existing control channel.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/auth"
	"github.com/privatebeach/beach-manager/internal/control"
	"github.com/privatebeach/beach-manager/internal/directory"
	"github.com/privatebeach/beach-manager/internal/lease"
	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/models"
	"github.com/privatebeach/beach-manager/internal/registry"
)

// ControllerBinder is the slice of the action pipeline the coordinator
// drives: pairing bootstrap leases and clearing bindings when leases go
// away.
type ControllerBinder interface {
	BindController(leaseID, sessionID string)
	UnbindSession(sessionID string)
}

// Attach failures surfaced to handlers. Invalid codes are permanent;
// an unreachable directory is retryable and maps to 503.
var (
	ErrCodeInvalid          = errors.New("attach code rejected")
	ErrNotOwned             = errors.New("session not owned by requester")
	ErrDirectoryUnavailable = errors.New("session directory unavailable")
)

// bootstrapLeaseTTL is the lifetime of the harness bootstrap lease
// minted during attach so the host can drive its own auto-attach.
const bootstrapLeaseTTL = 30 * time.Minute

// Coordinator runs the attach flows and owns publish-token rotation.
type Coordinator struct {
	registry *registry.Registry
	leases   *lease.Manager
	dir      *directory.Client
	hub      *control.Hub
	tokens   *auth.PublishTokens
	auditor  audit.Recorder
	pipe     ControllerBinder

	publicURL string

	cron *cron.Cron

	mu sync.Mutex
	// grants holds the current publish grant per session; stripped when
	// the last lease goes away so a stale host cannot keep publishing.
	grants map[string]models.PublishTokenGrant
}

// New wires the coordinator and installs the lease hooks that drive
// token rotation.
func New(reg *registry.Registry, leases *lease.Manager, dir *directory.Client, hub *control.Hub, tokens *auth.PublishTokens, auditor audit.Recorder, pipe ControllerBinder, publicURL string) *Coordinator {
	c := &Coordinator{
		registry:  reg,
		leases:    leases,
		dir:       dir,
		hub:       hub,
		tokens:    tokens,
		auditor:   auditor,
		pipe:      pipe,
		publicURL: publicURL,
		cron:      cron.New(),
		grants:    make(map[string]models.PublishTokenGrant),
	}

	leases.RenewHook = func(sessionID string) { c.Rotate(sessionID) }
	leases.ReleaseHook = func(sessionID string) {
		c.StripGrant(sessionID)
		pipe.UnbindSession(sessionID)
	}
	return c
}

// Start schedules the rotation cron at half the publish-token TTL.
func (c *Coordinator) Start() error {
	spec := fmt.Sprintf("@every %s", auth.PublishTokenTTL/2)
	if _, err := c.cron.AddFunc(spec, c.rotateAll); err != nil {
		return fmt.Errorf("schedule token rotation: %w", err)
	}
	c.cron.Start()
	return nil
}

// Stop halts the rotation cron and waits for a running job to finish.
func (c *Coordinator) Stop() {
	<-c.cron.Stop().Done()
}

// TransportHints builds the delivery hints for a session. The channel
// labels are always present along with the signaling endpoints.
func (c *Coordinator) TransportHints(sessionID string) models.TransportHints {
	return models.TransportHints{
		SignalingOfferURL: fmt.Sprintf("%s/fastpath/sessions/%s/webrtc/offer", c.publicURL, sessionID),
		SignalingICEURL:   fmt.Sprintf("%s/fastpath/sessions/%s/webrtc/ice", c.publicURL, sessionID),
		ChannelLabels:     []string{models.ChannelActions, models.ChannelAcks, models.ChannelState},
		PollURL:           fmt.Sprintf("%s/sessions/%s/actions/poll", c.publicURL, sessionID),
		AckURL:            fmt.Sprintf("%s/sessions/%s/actions/ack", c.publicURL, sessionID),
	}
}

// AttachByCode claims a public session for a private beach via
// proof-of-control. On success the session is bound, a publish token is
// minted, and a manager_handshake is dispatched to the host.
func (c *Coordinator) AttachByCode(ctx context.Context, privateBeachID, sessionID, code, requester string) (*models.Session, error) {
	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := c.dir.VerifyCode(ctx, sess.OriginSessionID, code); err != nil {
		switch {
		case errors.Is(err, directory.ErrCodeInvalid):
			return nil, ErrCodeInvalid
		default:
			// The Manager minted the join code itself, so its own hash is
			// an equally strong proof of control when the directory is
			// down.
			ok, verr := c.registry.VerifyJoinCode(ctx, sessionID, code)
			if verr != nil || !ok {
				return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
			}
			logger.Registry().Warn().
				Str("session_id", sessionID).
				Msg("Directory unreachable, attach verified against local join code")
		}
	}

	return c.attach(ctx, privateBeachID, sess, "code", code, requester)
}

// AttachOwnedResult reports a bulk ownership attach.
type AttachOwnedResult struct {
	Attached   int `json:"attached_count"`
	Duplicates int `json:"duplicates"`
}

// AttachOwned claims sessions by proof-of-ownership. Already-attached
// sessions count as duplicates, not errors.
func (c *Coordinator) AttachOwned(ctx context.Context, privateBeachID string, sessionIDs []string, requester string) (*AttachOwnedResult, error) {
	res := &AttachOwnedResult{}
	for _, sid := range sessionIDs {
		sess, err := c.registry.Get(ctx, sid)
		if err != nil {
			return res, err
		}
		if sess.PrivateBeachID == privateBeachID {
			res.Duplicates++
			continue
		}

		if err := c.dir.VerifyOwnership(ctx, sess.OriginSessionID, requester); err != nil {
			switch {
			case errors.Is(err, directory.ErrNotOwned):
				return res, ErrNotOwned
			default:
				return res, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
			}
		}

		if _, err := c.attach(ctx, privateBeachID, sess, "owned", "", requester); err != nil {
			return res, err
		}
		res.Attached++
	}
	return res, nil
}

// attach performs the shared attach transition: bind, audit, mint, and
// dispatch the handshake.
func (c *Coordinator) attach(ctx context.Context, privateBeachID string, sess *models.Session, method, code, requester string) (*models.Session, error) {
	bound, err := c.registry.Bind(ctx, sess.ID, privateBeachID)
	if err != nil {
		return nil, err
	}

	if err := c.auditor.Record(ctx, &models.ControllerEvent{
		Kind:      models.EventAttached,
		SessionID: sess.ID,
		IssuedBy:  requester,
		Payload: map[string]interface{}{
			"private_beach_id": privateBeachID,
			"attach_method":    method,
		},
	}); err != nil {
		return nil, err
	}

	grant, err := c.tokens.Mint(sess.ID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.grants[sess.ID] = grant
	c.mu.Unlock()

	// The bootstrap lease lets the harness drive its own session until
	// a real controller takes over.
	bootstrap, err := c.leases.Acquire(ctx, sess.ID, requester, "", bootstrapLeaseTTL, "attach bootstrap")
	if err != nil {
		return nil, err
	}
	c.pipe.BindController(bootstrap.ID, sess.ID)

	c.dispatchHandshake(bound, privateBeachID, bootstrap.Token(), code, grant)
	return bound, nil
}

// dispatchHandshake pushes the manager_handshake control message so the
// host can auto-attach with zero prior configuration.
func (c *Coordinator) dispatchHandshake(sess *models.Session, privateBeachID, controllerToken, attachCode string, grant models.PublishTokenGrant) {
	now := time.Now()
	expires := time.UnixMilli(grant.ExpiresAtMS)
	payload := models.ManagerHandshake{
		PrivateBeachID:  privateBeachID,
		ManagerURL:      c.publicURL,
		ControllerToken: controllerToken,
		ControllerAutoAttach: models.ControllerAutoAttach{
			PrivateBeachID: privateBeachID,
			AttachCode:     attachCode,
			ManagerURL:     c.publicURL,
			IssuedAt:       now,
			ExpiresAt:      &expires,
		},
		IdlePublishToken: grant,
		TransportHints:   c.TransportHints(sess.ID),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Control().Error().Err(err).Str("session_id", sess.ID).Msg("Handshake marshal failed")
		return
	}
	if err := c.hub.Send(sess.ID, models.ControlMessage{
		Type:      models.ControlManagerHandshake,
		Timestamp: now,
		Payload:   raw,
	}); err != nil {
		logger.Control().Error().Err(err).Str("session_id", sess.ID).Msg("Handshake dispatch failed")
	}
}

// Rotate re-mints the session's publish token; fired on attach
// transitions, lease renewals, and the cron.
func (c *Coordinator) Rotate(sessionID string) {
	c.mu.Lock()
	_, active := c.grants[sessionID]
	c.mu.Unlock()
	if !active {
		return
	}

	grant, err := c.tokens.Mint(sessionID)
	if err != nil {
		logger.Auth().Error().Err(err).Str("session_id", sessionID).Msg("Publish token rotation failed")
		return
	}
	c.mu.Lock()
	c.grants[sessionID] = grant
	c.mu.Unlock()

	raw, _ := json.Marshal(models.ManagerHandshake{
		ManagerURL:       c.publicURL,
		IdlePublishToken: grant,
		TransportHints:   c.TransportHints(sessionID),
	})
	c.hub.Send(sessionID, models.ControlMessage{
		Type:    models.ControlManagerHandshake,
		Payload: raw,
	})
}

func (c *Coordinator) rotateAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.grants))
	for id := range c.grants {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Rotate(id)
	}
	if len(ids) > 0 {
		logger.Auth().Debug().Int("sessions", len(ids)).Msg("Publish tokens rotated")
	}
}

// StripGrant forgets the session's publish grant; fired when the last
// active lease is released so a stale host cannot continue publishing
// past its token expiry.
func (c *Coordinator) StripGrant(sessionID string) {
	c.mu.Lock()
	delete(c.grants, sessionID)
	c.mu.Unlock()
	logger.Auth().Info().Str("session_id", sessionID).Msg("Publish grant stripped")
}

// Grant returns the session's current publish grant, if any.
func (c *Coordinator) Grant(sessionID string) (models.PublishTokenGrant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.grants[sessionID]
	return g, ok
}
