package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/models"
	"github.com/privatebeach/beach-manager/internal/registry"
)

// RegisterSession handles POST /sessions/register. Idempotent on
// (private_beach_id, origin_session_id); re-registration after an
// outage returns the existing session without a fresh join code.
func (h *Handler) RegisterSession(c *gin.Context) {
	var req struct {
		SessionID       string               `json:"session_id"`
		PrivateBeachID  string               `json:"private_beach_id"`
		OriginSessionID string               `json:"origin_session_id" binding:"required"`
		HarnessKind     models.HarnessKind   `json:"harness_kind"`
		Capabilities    []string             `json:"capabilities"`
		TransportMode   models.TransportMode `json:"transport_mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	requester := ""
	if up, ok := userPrincipal(c); ok {
		requester = up.AccountID
	}
	if req.PrivateBeachID != "" && !h.canAddress(c, req.SessionID)(req.PrivateBeachID) {
		forbidden(c)
		return
	}

	res, err := h.Registry.Register(c.Request.Context(), registry.RegisterParams{
		SessionID:       req.SessionID,
		PrivateBeachID:  req.PrivateBeachID,
		OriginSessionID: req.OriginSessionID,
		HarnessKind:     req.HarnessKind,
		Capabilities:    req.Capabilities,
		TransportMode:   req.TransportMode,
		CreatedBy:       requester,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{
		"session":         res.Session,
		"transport_hints": h.Coordinator.TransportHints(res.Session.ID),
	}
	if res.JoinCode != "" {
		body["join_code"] = res.JoinCode
	}
	c.JSON(http.StatusCreated, body)
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.Registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.PrivateBeachID == "" || !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
		// 404, not 403: existence is not revealed cross-beach.
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ListSessions handles GET /private-beaches/:id/sessions, scoped by the
// caller's membership.
func (h *Handler) ListSessions(c *gin.Context) {
	privateBeachID := c.Param("id")
	if !h.canAddress(c, "")(privateBeachID) {
		forbidden(c)
		return
	}

	sessions, err := h.Registry.List(c.Request.Context(), privateBeachID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// PublishState handles POST /sessions/:id/state. Accepts a publish
// token whose sid matches the route; the RequireSelf middleware has
// already enforced the scoping.
func (h *Handler) PublishState(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		SnapshotRef string `json:"snapshot_ref" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	if _, isHarness := harnessPrincipal(c); !isHarness {
		sess, err := h.Registry.Get(c.Request.Context(), sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
			forbidden(c)
			return
		}
	}

	if err := h.Registry.RecordSnapshot(c.Request.Context(), sessionID, req.SnapshotRef); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// PublishHealth handles POST /sessions/:id/health, the harness
// heartbeat.
func (h *Handler) PublishHealth(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		Status string `json:"status"`
	}
	c.ShouldBindJSON(&req)
	if req.Status == "" {
		req.Status = "ok"
	}

	if _, isHarness := harnessPrincipal(c); !isHarness {
		sess, err := h.Registry.Get(c.Request.Context(), sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
			forbidden(c)
			return
		}
	}

	if err := h.Registry.RecordHealth(c.Request.Context(), sessionID, req.Status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// ControlChannel handles GET /sessions/:id/control, upgrading to the
// session's WebSocket control channel.
func (h *Handler) ControlChannel(c *gin.Context) {
	sessionID := c.Param("id")

	if _, err := h.Registry.Get(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Control().Warn().Err(err).Str("session_id", sessionID).Msg("Control upgrade failed")
		return
	}
	h.Hub.Attach(sessionID, conn)
}
