package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meetings"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// Meeting creation is limited per client IP.
const (
	meetingCreateBurst     = 10
	meetingCreatePerSecond = 1
	meetingCreateIdleTTL   = 10 * time.Minute
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-mesh-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"room_grace", cfg.RoomGrace,
		"meeting_store", meetingStoreKind(cfg),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"ice_servers", len(cfg.ICEServers),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice server configuration is invalid; /webrtc/ice and /readyz will report it", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openMeetingStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open meeting store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	presence := meetings.NewPresence(store, logger)
	defer presence.Close()

	m := metrics.New()
	rooms := coordinator.New(coordinator.Config{
		Grace:    cfg.RoomGrace,
		Metrics:  m,
		Logger:   logger,
		Observer: presence,
	})
	defer rooms.Close()

	sig := signaling.NewServer(signaling.Config{
		Rooms:    rooms,
		Verifier: verifier,
		AuthMode: cfg.AuthMode,
		Origins:  origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		Metrics:  m,
		Logger:   logger,

		AuthTimeout:  cfg.SignalingAuthTimeout,
		IdleTimeout:  cfg.SignalingWSIdleTimeout,
		PingInterval: cfg.SignalingWSPingInterval,

		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Options{
		Metrics:  m,
		Gauges:   roomGauges(rooms),
		TURNREST: turn,
	})
	sig.RegisterRoutes(srv.Mux())
	srv.Mount("/api/", meetings.NewAPI(meetings.APIConfig{
		Store:         store,
		Verifier:      verifier,
		AuthMode:      cfg.AuthMode,
		CreateLimiter: ratelimit.NewKeyed(nil, meetingCreateBurst, meetingCreatePerSecond, meetingCreateIdleTTL),
		Metrics:       m,
		Logger:        logger,
	}))

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		meetings.NewReaper(meetings.ReaperConfig{
			Store:    store,
			Rooms:    rooms,
			Interval: cfg.MeetingGCInterval,
			MinAge:   cfg.MeetingGCMinAge,
			Metrics:  m,
			Logger:   logger,
		}).Run(reaperCtx)
	}()
	defer func() {
		stopReaper()
		<-reaperDone
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked signaling sockets; Close drops them
	// and every member leaves its room on the way out.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func openMeetingStore(ctx context.Context, cfg config.Config) (meetings.Store, error) {
	if !cfg.Redis.Enabled() {
		return meetings.NewMemoryStore(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := meetings.Connect(connectCtx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func meetingStoreKind(cfg config.Config) string {
	if cfg.Redis.Enabled() {
		return "redis"
	}
	return "memory"
}

func roomGauges(rooms *coordinator.Coordinator) []metrics.Gauge {
	return []metrics.Gauge{
		{
			Name: "aero_webrtc_mesh_rooms",
			Help: "Rooms currently open, including empty rooms in their grace period.",
			Value: func() float64 {
				n, _ := rooms.Stats()
				return float64(n)
			},
		},
		{
			Name: "aero_webrtc_mesh_participants",
			Help: "Participants currently joined across all rooms.",
			Value: func() float64 {
				_, n := rooms.Stats()
				return float64(n)
			},
		},
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; VCS stamps cover `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
