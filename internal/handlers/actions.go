package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/privatebeach/beach-manager/internal/models"
)

// QueueActions handles POST /sessions/:id/actions. The body carries the
// lease token and the batch; the pipeline runs the Command Gate and
// routes accepted actions to both delivery paths.
func (h *Handler) QueueActions(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		ControllerToken string                 `json:"controller_token" binding:"required"`
		Actions         []models.ActionCommand `json:"actions" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	if len(req.Actions) == 0 || len(req.Actions) > MaxBatchActions {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "batch size out of range"})
		return
	}
	for i := range req.Actions {
		if req.Actions[i].ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "action id required"})
			return
		}
		if req.Actions[i].Kind == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "action type required"})
			return
		}
	}

	result, err := h.Pipeline.QueueActions(c.Request.Context(), sessionID, req.ControllerToken, req.Actions, h.canAddress(c, sessionID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PollActions handles GET /sessions/:id/actions/poll, the HTTP fallback
// drain for hosts without fast path.
func (h *Handler) PollActions(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.Registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, isHarness := harnessPrincipal(c); !isHarness {
		if !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
			forbidden(c)
			return
		}
	}

	count := int64(DefaultPollCount)
	if v := c.Query("count"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			count = n
		}
	}

	actions, err := h.Pipeline.Poll(c.Request.Context(), sess, count)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

// AckActions handles POST /sessions/:id/actions/ack, the HTTP side of
// ack correlation.
func (h *Handler) AckActions(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		Acks []models.ActionAck `json:"acks" binding:"required"`
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

	h.Pipeline.AckActions(sessionID, req.Acks)
	c.JSON(http.StatusOK, gin.H{"acked": len(req.Acks)})
}

// PendingActions handles GET /sessions/:id/actions/pending. Hosts use
// the depth to gate their HTTP polling: a fast-path host pauses its
// poller only once depth reaches zero.
func (h *Handler) PendingActions(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.Registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, isHarness := harnessPrincipal(c); !isHarness {
		if !h.canAddress(c, sessionID)(sess.PrivateBeachID) {
			forbidden(c)
			return
		}
	}

	status, err := h.Pipeline.Status(c.Request.Context(), sess)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
