package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

// WebRTCOffer handles POST /fastpath/sessions/:id/webrtc/offer. The
// host posts its SDP offer; the response is the Manager's answer. A
// re-offer supersedes the prior peer after its ack loop drains.
func (h *Handler) WebRTCOffer(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		SDP    string `json:"sdp" binding:"required"`
		PeerID string `json:"peer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	if _, err := h.Registry.Get(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	answer, fastPathID, err := h.FastPath.HandleOffer(sessionID, req.PeerID, req.SDP)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "offer rejected"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sdp":          answer,
		"type":         "answer",
		"fast_path_id": fastPathID,
	})
}

// WebRTCAddICE handles POST /fastpath/sessions/:id/webrtc/ice, the
// host-to-manager direction of trickle ICE.
func (h *Handler) WebRTCAddICE(c *gin.Context) {
	sessionID := c.Param("id")

	var req struct {
		Candidate     string  `json:"candidate" binding:"required"`
		SDPMid        *string `json:"sdp_mid"`
		SDPMLineIndex *uint16 `json:"sdp_mline_index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	err := h.FastPath.AddRemoteCandidate(sessionID, webrtc.ICECandidateInit{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no fast-path session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// WebRTCGetICE handles GET /fastpath/sessions/:id/webrtc/ice, draining
// the Manager's gathered candidates for the host.
func (h *Handler) WebRTCGetICE(c *gin.Context) {
	sessionID := c.Param("id")

	cands, err := h.FastPath.LocalCandidates(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no fast-path session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": cands})
}
