package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/privatebeach/beach-manager/internal/handshake"
	"github.com/privatebeach/beach-manager/internal/lease"
	"github.com/privatebeach/beach-manager/internal/pipeline"
	"github.com/privatebeach/beach-manager/internal/registry"
)

func TestGateStatusMapping(t *testing.T) {
	tests := []struct {
		reason pipeline.DropReason
		status int
	}{
		{pipeline.DropTargetMismatch, http.StatusConflict},
		{pipeline.DropSessionNotBound, http.StatusConflict},
		{pipeline.DropMissingLease, http.StatusConflict},
		{pipeline.DropChildNotAttached, http.StatusPreconditionFailed},
		{pipeline.DropFastPathNotReady, http.StatusPreconditionFailed},
		{pipeline.DropChildOffline, http.StatusPreconditionFailed},
		{pipeline.DropQueueOverLimit, http.StatusTooManyRequests},
		{pipeline.DropRateLimited, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.status, gateStatus(tt.reason))
		})
	}
}

func TestRespondErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			"Gate drop carries its reason code",
			&pipeline.GateError{Reason: pipeline.DropFastPathNotReady, Message: "handshake incomplete"},
			http.StatusPreconditionFailed,
			"fast_path_not_ready",
		},
		{
			"Unknown session is a neutral 404",
			registry.ErrNotFound,
			http.StatusNotFound,
			"not_found",
		},
		{
			"Unknown lease",
			lease.ErrUnknown,
			http.StatusNotFound,
			"missing_lease",
		},
		{
			"Expired lease",
			lease.ErrExpired,
			http.StatusConflict,
			"expired",
		},
		{
			"Invalid attach code is permanent",
			handshake.ErrCodeInvalid,
			http.StatusForbidden,
			"code_invalid",
		},
		{
			"Directory outage is retryable",
			handshake.ErrDirectoryUnavailable,
			http.StatusServiceUnavailable,
			"directory_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			respondError(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]interface{}
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}
