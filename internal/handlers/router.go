package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/middleware"
)

// Router assembles the gin engine with all routes and middleware.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLog())
	r.Use(middleware.DefaultSizeLimiter())

	userOnly := middleware.Auth(h.Users, h.Publish, false)
	userOrPublish := middleware.Auth(h.Users, h.Publish, true)
	signalLimiter := middleware.NewSlidingLimiter()

	// Liveness, readiness, metrics: unauthenticated.
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{})))

	sessions := r.Group("/sessions")
	{
		sessions.POST("/register", userOrPublish, h.RegisterSession)
		sessions.GET("/:id", userOnly, h.GetSession)
		sessions.GET("/:id/control", userOrPublish, middleware.RequireSelf("id"), h.ControlChannel)

		sessions.POST("/:id/controller/lease", userOnly, h.AcquireLease)
		sessions.DELETE("/:id/controller/lease", userOnly, h.ReleaseLease)
		sessions.POST("/:id/controller/lease/renew", userOnly, h.RenewLease)
		sessions.GET("/:id/controller/leases", userOnly, h.ListLeases)
		sessions.POST("/:id/controller/revoke-all", userOnly, h.RevokeAllLeases)
		sessions.GET("/:id/controller-events", userOnly, h.ControllerEvents)

		sessions.POST("/:id/actions", userOrPublish, middleware.RequireSelf("id"), middleware.ActionSizeLimiter(), h.QueueActions)
		sessions.GET("/:id/actions/poll", userOrPublish, middleware.RequireSelf("id"), h.PollActions)
		sessions.POST("/:id/actions/ack", userOrPublish, middleware.RequireSelf("id"), h.AckActions)
		sessions.GET("/:id/actions/pending", userOrPublish, middleware.RequireSelf("id"), h.PendingActions)

		sessions.POST("/:id/state", userOrPublish, middleware.RequireSelf("id"), middleware.StateSizeLimiter(), h.PublishState)
		sessions.POST("/:id/health", userOrPublish, middleware.RequireSelf("id"), h.PublishHealth)
	}

	beaches := r.Group("/private-beaches")
	{
		beaches.GET("/:id/sessions", userOnly, h.ListSessions)
		beaches.POST("/:id/sessions/attach-by-code", userOrPublish, h.AttachByCode)
		beaches.POST("/:id/sessions/attach", userOnly, h.AttachOwned)
	}

	fast := r.Group("/fastpath/sessions")
	{
		fast.POST("/:id/webrtc/offer", userOrPublish, middleware.RequireSelf("id"), middleware.SignalingRateLimit(signalLimiter), h.WebRTCOffer)
		fast.POST("/:id/webrtc/ice", userOrPublish, middleware.RequireSelf("id"), h.WebRTCAddICE)
		fast.GET("/:id/webrtc/ice", userOrPublish, middleware.RequireSelf("id"), h.WebRTCGetICE)
	}

	return r
}

// Readyz probes the durable store and the broker.
func (h *Handler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.Database.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
		return
	}
	if err := h.Broker.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "broker": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// requestLog emits one structured line per request.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.HTTP().Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	}
}
