package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// AcquireLease handles POST /sessions/:id/controller/lease.
func (h *Handler) AcquireLease(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		TTLSeconds int    `json:"ttl_seconds"`
		Reason     string `json:"reason"`
	}
	c.ShouldBindJSON(&req)

	up, ok := userPrincipal(c)
	if !ok {
		forbidden(c)
		return
	}

	sess, err := h.Registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.PrivateBeachID == "" || !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
		forbidden(c)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl > MaxLeaseTTL {
		ttl = MaxLeaseTTL
	}

	l, err := h.Leases.Acquire(c.Request.Context(), sessionID, up.AccountID, up.AccountID, ttl, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	h.Pipeline.BindController(l.ID, sessionID)

	c.JSON(http.StatusCreated, gin.H{"lease": l, "controller_token": l.Token()})
}

// ReleaseLease handles DELETE /sessions/:id/controller/lease.
// Idempotent.
func (h *Handler) ReleaseLease(c *gin.Context) {
	var req struct {
		ControllerToken string `json:"controller_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	if err := h.Leases.Release(c.Request.Context(), req.ControllerToken); err != nil {
		respondError(c, err)
		return
	}
	h.Pipeline.UnbindController(req.ControllerToken)
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// RenewLease handles POST /sessions/:id/controller/lease/renew.
// Extends expiry in place; the token never changes and sibling leases
// are untouched.
func (h *Handler) RenewLease(c *gin.Context) {
	var req struct {
		ControllerToken string `json:"controller_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	l, err := h.Leases.Renew(c.Request.Context(), req.ControllerToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lease": l})
}

// ListLeases handles GET /sessions/:id/controller/leases.
func (h *Handler) ListLeases(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.Registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
		forbidden(c)
		return
	}

	leases, err := h.Leases.ListActive(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leases": leases})
}

// RevokeAllLeases handles POST /sessions/:id/controller/revoke-all, the
// emergency stop.
func (h *Handler) RevokeAllLeases(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "emergency stop"
	}

	sess, err := h.Registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
		forbidden(c)
		return
	}

	n, err := h.Leases.RevokeAll(c.Request.Context(), sessionID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

// ControllerEvents handles GET /sessions/:id/controller-events, the
// paginated audit feed.
func (h *Handler) ControllerEvents(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.Registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
		forbidden(c)
		return
	}

	var beforeID int64
	if v := c.Query("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid cursor"})
			return
		}
		beforeID = n
	}
	limit := DefaultEventPageSize
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= MaxEventPageSize {
			limit = n
		}
	}

	events, err := h.Audit.List(c.Request.Context(), sessionID, beforeID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	var next int64
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_before": next})
}
