// Package middleware: request size limiting.
//
// Oversized payloads are refused before handlers read them. Action
// batches and state snapshots carry opaque bytes from hosts we did not
// configure, so the caps are enforced here rather than trusted to
// clients.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Request size limits.
const (
	// MaxRequestBodySize is the maximum general request body (4MB).
	MaxRequestBodySize int64 = 4 * 1024 * 1024

	// MaxStateSnapshotSize caps host state publishes (1MB). Snapshots
	// beyond this belong in external storage with a reference.
	MaxStateSnapshotSize int64 = 1 * 1024 * 1024

	// MaxActionBatchSize caps one queue_actions body (512KB).
	MaxActionBatchSize int64 = 512 * 1024
)

// RequestSizeLimiter refuses bodies over maxSize with 413 and wraps the
// reader so a lying Content-Length still cannot exceed the cap.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" || c.Request.Method == "HEAD" || c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "payload_too_large",
				"message": "request body exceeds maximum allowed size",
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// StateSizeLimiter caps state snapshot publishes.
func StateSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxStateSnapshotSize)
}

// ActionSizeLimiter caps action batch submissions.
func ActionSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxActionBatchSize)
}

// DefaultSizeLimiter uses the general request body cap.
func DefaultSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxRequestBodySize)
}
