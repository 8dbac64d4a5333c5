// Package handlers provides the HTTP surface of the Beach Manager.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/auth"
	"github.com/privatebeach/beach-manager/internal/broker"
	"github.com/privatebeach/beach-manager/internal/control"
	"github.com/privatebeach/beach-manager/internal/db"
	"github.com/privatebeach/beach-manager/internal/fastpath"
	"github.com/privatebeach/beach-manager/internal/handshake"
	"github.com/privatebeach/beach-manager/internal/lease"
	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/pipeline"
	"github.com/privatebeach/beach-manager/internal/registry"
)

// Handler carries every service the HTTP layer touches. Constructed
// once in main and passed explicitly so tests can build hermetic
// instances.
type Handler struct {
	Registry    *registry.Registry
	Leases      *lease.Manager
	Pipeline    *pipeline.Pipeline
	Coordinator *handshake.Coordinator
	FastPath    *fastpath.Manager
	Hub         *control.Hub
	Audit       *audit.Service
	Broker      *broker.Broker
	Database    *db.Database
	Metrics     *metrics.Metrics

	Users   *auth.UserVerifier
	Publish *auth.PublishTokens

	upgrader websocket.Upgrader
}

// New builds the handler set.
func New(reg *registry.Registry, leases *lease.Manager, pipe *pipeline.Pipeline, coord *handshake.Coordinator,
	fp *fastpath.Manager, hub *control.Hub, auditor *audit.Service, brk *broker.Broker, database *db.Database,
	m *metrics.Metrics, users *auth.UserVerifier, publish *auth.PublishTokens) *Handler {
	return &Handler{
		Registry:    reg,
		Leases:      leases,
		Pipeline:    pipe,
		Coordinator: coord,
		FastPath:    fp,
		Hub:         hub,
		Audit:       auditor,
		Broker:      brk,
		Database:    database,
		Metrics:     m,
		Users:       users,
		Publish:     publish,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  ControlReadBufferSize,
			WriteBufferSize: ControlWriteBufferSize,
		},
	}
}

// canAddress returns the membership predicate for the current caller. A
// harness may only address its own session: the predicate accepts any
// beach when sessionID is the harness's session and none otherwise; a
// user addresses the beaches in their membership claim.
func (h *Handler) canAddress(c *gin.Context, sessionID string) func(string) bool {
	if hp, ok := harnessPrincipal(c); ok {
		return func(pb string) bool {
			return hp.SessionID == sessionID
		}
	}
	if up, ok := userPrincipal(c); ok {
		if h.Users.BypassMember() {
			return func(string) bool { return true }
		}
		return up.Member
	}
	return func(string) bool { return false }
}
