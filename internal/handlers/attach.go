package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AttachByCode handles POST /private-beaches/:id/sessions/attach-by-code.
// Accepts a user JWT, or a publish token whose sid equals the target
// session (a harness attaching itself).
func (h *Handler) AttachByCode(c *gin.Context) {
	privateBeachID := c.Param("id")

	var req struct {
		SessionID string `json:"session_id" binding:"required"`
		Code      string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	requester := ""
	if hp, ok := harnessPrincipal(c); ok {
		// Publish-token callers may only attach their own session.
		if hp.SessionID != req.SessionID {
			forbidden(c)
			return
		}
		requester = "harness"
	} else if up, ok := userPrincipal(c); ok {
		if !h.canAddress(c, req.SessionID)(privateBeachID) {
			forbidden(c)
			return
		}
		requester = up.AccountID
	} else {
		forbidden(c)
		return
	}

	sess, err := h.Coordinator.AttachByCode(c.Request.Context(), privateBeachID, req.SessionID, req.Code, requester)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"attach_method": "code",
		"session":       sess,
	})
}

// AttachOwned handles POST /private-beaches/:id/sessions/attach, the
// bulk proof-of-ownership flow. Duplicates are counted, not errored.
func (h *Handler) AttachOwned(c *gin.Context) {
	privateBeachID := c.Param("id")

	var req struct {
		SessionIDs []string `json:"session_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	up, ok := userPrincipal(c)
	if !ok {
		forbidden(c)
		return
	}
	if !h.canAddress(c, "")(privateBeachID) {
		forbidden(c)
		return
	}

	res, err := h.Coordinator.AttachOwned(c.Request.Context(), privateBeachID, req.SessionIDs, up.AccountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"attach_method":  "owned",
		"attached_count": res.Attached,
		"duplicates":     res.Duplicates,
	})
}
