// Command manager runs the Beach Manager control plane.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/privatebeach/beach-manager/internal/audit"
	"github.com/privatebeach/beach-manager/internal/auth"
	"github.com/privatebeach/beach-manager/internal/broker"
	"github.com/privatebeach/beach-manager/internal/config"
	"github.com/privatebeach/beach-manager/internal/control"
	"github.com/privatebeach/beach-manager/internal/db"
	"github.com/privatebeach/beach-manager/internal/directory"
	"github.com/privatebeach/beach-manager/internal/fastpath"
	"github.com/privatebeach/beach-manager/internal/handlers"
	"github.com/privatebeach/beach-manager/internal/handshake"
	"github.com/privatebeach/beach-manager/internal/lease"
	"github.com/privatebeach/beach-manager/internal/logger"
	"github.com/privatebeach/beach-manager/internal/metrics"
	"github.com/privatebeach/beach-manager/internal/models"
	"github.com/privatebeach/beach-manager/internal/pipeline"
	"github.com/privatebeach/beach-manager/internal/registry"
)

// Exit codes: 0 clean shutdown, 1 fatal configuration error,
// 2 dependency unreachable past the startup grace window.
const (
	exitConfig     = 1
	exitDependency = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("info", false)
		logger.Log.Error().Err(err).Msg("Configuration invalid")
		os.Exit(exitConfig)
	}
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dependencies get the startup grace window, then we give up with
	// exit 2.
	bootCtx, cancelBoot := context.WithTimeout(rootCtx, cfg.StartupGrace)
	defer cancelBoot()

	database := connectDB(bootCtx, cfg)
	defer database.Close()
	brk := connectBroker(bootCtx, cfg)
	defer brk.Close()

	if err := database.Migrate(bootCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Schema migration failed")
		os.Exit(exitDependency)
	}

	m := metrics.New()
	auditor := audit.NewService(database)
	reg := registry.New(registry.NewPostgresStore(database), brk, auditor, cfg.StaleSessionMaxIdle, cfg.HealthReportInterval)
	leases := lease.NewManager(lease.NewPostgresStore(database), auditor, m)

	fp, err := fastpath.NewManager(fastpath.Config{
		PublicIP:  cfg.ICEPublicIP,
		PortStart: cfg.ICEPortStart,
		PortEnd:   cfg.ICEPortEnd,
	}, m)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Fast-path setup failed")
		os.Exit(exitConfig)
	}

	pipe := pipeline.New(reg, leases, brk, fp, auditor, m, cfg.StrictGating)
	fp.AckHandler = pipe.HandleAck
	fp.OnReady = func(sessionID string) { reg.SetFastPathReady(sessionID, true) }
	fp.OnClosed = func(sessionID string) { reg.SetFastPathReady(sessionID, false) }

	hub := control.NewHub()
	hub.Inbound = func(sessionID string, msg models.ControlMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		switch msg.Type {
		case models.ControlHealth:
			var body struct {
				Status string `json:"status"`
			}
			json.Unmarshal(msg.Payload, &body)
			if body.Status == "" {
				body.Status = "ok"
			}
			reg.RecordHealth(ctx, sessionID, body.Status)
		case models.ControlState:
			var body struct {
				SnapshotRef string `json:"snapshot_ref"`
			}
			json.Unmarshal(msg.Payload, &body)
			if body.SnapshotRef != "" {
				reg.RecordSnapshot(ctx, sessionID, body.SnapshotRef)
			}
		}
	}

	users := auth.NewUserVerifier(rootCtx, cfg.JWKSURL, cfg.Issuer, cfg.Audience, cfg.AuthBypass)
	publish := auth.NewPublishTokens(cfg.PublishTokenSecret)
	dir := directory.NewClient(cfg.DirectoryURL)
	coord := handshake.New(reg, leases, dir, hub, publish, auditor, pipe, cfg.PublicURL)

	if err := coord.Start(); err != nil {
		logger.Log.Error().Err(err).Msg("Token rotation start failed")
		os.Exit(exitConfig)
	}

	h := handlers.New(reg, leases, pipe, coord, fp, hub, auditor, brk, database, m, users, publish)
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		reg.StartStaleSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		leases.StartSweeper(gctx, 5*time.Minute)
		return nil
	})
	g.Go(func() error {
		pipe.StartSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Log.Info().Str("addr", cfg.BindAddr).Msg("Manager listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Teardown order: stop intake first, then drain delivery, then
		// the substrate.
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shCtx)
		fp.CloseAll()
		hub.CloseAll()
		coord.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Log.Error().Err(err).Msg("Manager exited with error")
		os.Exit(exitDependency)
	}
	logger.Log.Info().Msg("Manager stopped")
}

func connectDB(ctx context.Context, cfg *config.Config) *db.Database {
	for {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err == nil {
			return database
		}
		logger.Log.Warn().Err(err).Msg("Database unreachable, retrying")
		select {
		case <-ctx.Done():
			logger.Log.Error().Msg("Database unreachable past startup grace")
			os.Exit(exitDependency)
		case <-time.After(2 * time.Second):
		}
	}
}

func connectBroker(ctx context.Context, cfg *config.Config) *broker.Broker {
	for {
		brk, err := broker.Connect(ctx, cfg.BrokerURL)
		if err == nil {
			return brk
		}
		logger.Log.Warn().Err(err).Msg("Broker unreachable, retrying")
		select {
		case <-ctx.Done():
			logger.Log.Error().Msg("Broker unreachable past startup grace")
			os.Exit(exitDependency)
		case <-time.After(2 * time.Second):
		}
	}
}
