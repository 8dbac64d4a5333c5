package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privatebeach/beach-manager/internal/auth"
	"github.com/privatebeach/beach-manager/internal/handshake"
	"github.com/privatebeach/beach-manager/internal/lease"
	"github.com/privatebeach/beach-manager/internal/middleware"
	"github.com/privatebeach/beach-manager/internal/pipeline"
	"github.com/privatebeach/beach-manager/internal/registry"
)

// Error envelope: {error: code_string, message: string, detail?: object}.
// Validation errors map to 4xx with typed codes; infrastructure errors
// to 5xx with a retryable hint.

func gateStatus(reason pipeline.DropReason) int {
	switch reason {
	case pipeline.DropTargetMismatch, pipeline.DropSessionNotBound:
		return http.StatusConflict
	case pipeline.DropChildNotAttached, pipeline.DropFastPathNotReady, pipeline.DropChildOffline:
		return http.StatusPreconditionFailed
	case pipeline.DropQueueOverLimit, pipeline.DropRateLimited:
		return http.StatusTooManyRequests
	case pipeline.DropMissingLease:
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

// respondError maps a service error onto the wire envelope.
func respondError(c *gin.Context, err error) {
	var gerr *pipeline.GateError
	if errors.As(err, &gerr) {
		c.JSON(gateStatus(gerr.Reason), gin.H{"error": string(gerr.Reason), "message": gerr.Message})
		return
	}

	switch {
	case errors.Is(err, registry.ErrNotFound):
		// Existence is never revealed cross-beach.
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown session"})
	case errors.Is(err, lease.ErrUnknown):
		c.JSON(http.StatusNotFound, gin.H{"error": "missing_lease", "message": "unknown lease"})
	case errors.Is(err, lease.ErrExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "expired", "message": "lease expired"})
	case errors.Is(err, lease.ErrRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": "revoked", "message": "lease revoked"})
	case errors.Is(err, lease.ErrTargetMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "target_mismatch", "message": "lease bound to a different session"})
	case errors.Is(err, handshake.ErrCodeInvalid):
		c.JSON(http.StatusForbidden, gin.H{"error": "code_invalid", "message": "attach code rejected"})
	case errors.Is(err, handshake.ErrNotOwned):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "session not owned by requester"})
	case errors.Is(err, handshake.ErrDirectoryUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "directory_unavailable", "message": "session directory unreachable",
			"detail": gin.H{"retryable": true},
		})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "internal", "message": "dependency unavailable",
			"detail": gin.H{"retryable": true},
		})
	}
}

func forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

func userPrincipal(c *gin.Context) (*auth.UserPrincipal, bool) {
	return middleware.User(c)
}

func harnessPrincipal(c *gin.Context) (*auth.HarnessPrincipal, bool) {
	return middleware.Harness(c)
}
