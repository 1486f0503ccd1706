package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/api"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/auth"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/call"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/config"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/hub"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/logger"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/media"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/mesh"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/metrics"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/signal"
)

const helpText = `hubcall - join Star Citizen Hub voice channels and calls from a terminal

Usage:
  hubcall [options]

Joins a room or places a direct call, then logs peers, streams and incoming
calls until interrupted. Local tracks are sample-fed and stay silent.

Environment Variables (required):
  SC_RELAY_BASE  Relay base URL, e.g. https://hub.example.com/api/social
  SC_TOKEN       Hub bearer token

Environment Variables (optional):
  SC_API_BASE             API base URL used to look up the display name
  SC_USER_ID              User id when the token carries none
  SC_DISPLAY_NAME         Name shown to callees
  SC_SECURE               Use wss for a relay base without scheme
  SC_STUN_URLS            Comma separated STUN urls
  SC_RECONNECT_DELAY      Relay reconnect delay (3s)
  SC_PING_INTERVAL        Relay keepalive interval (30s)
  SC_MAX_PEERS            Mesh ceiling, 0 for none (8)
  SC_NEGOTIATION_TIMEOUT  Close peers stuck negotiating, 0 to disable (0)
  SC_INVITE_TTL           Incoming call expiry (45s)
  SC_LOG_LEVEL            debug, info, warn, error (info)
  SC_LOG_FILE             Also write rotated JSON logs here
  SC_MODE                 development or production (production)
  SC_METRICS_ADDR         Serve prometheus metrics on this address

Examples:
  # Sit in a channel
  hubcall -room ops

  # Call user 42
  hubcall -call 42

  # Wait for calls and pick them up
  hubcall -accept

Options:
`

func main() {
	flags := flag.NewFlagSet("hubcall", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		flags.PrintDefaults()
	}
	room := flags.String("room", "", "join this room")
	callee := flags.String("call", "", "call this user id")
	accept := flags.Bool("accept", false, "accept incoming calls automatically")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Filename: cfg.LogFile}, cfg.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	mainLog := log.Named("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mainLog.Info("shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	// Step 1: Metrics
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				mainLog.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	// Step 2: Identity
	id, err := resolveIdentity(ctx, cfg)
	if err != nil {
		mainLog.Fatal("resolve identity", zap.Error(err))
	}

	// Step 3: Hub
	h, err := hub.New(hub.FromConfig(cfg), media.NewSampleDevices(), log, m)
	if err != nil {
		mainLog.Fatal("create hub", zap.Error(err))
	}
	if err := h.Login(id); err != nil {
		mainLog.Fatal("login", zap.Error(err))
	}
	defer h.Logout()

	// Step 4: Observers
	h.Channel().OnStateChange(func(s signal.State, err error) {
		mainLog.Info("relay link", zap.Stringer("state", s), zap.Error(err))
	})
	h.Mesh().Watch(func(streams map[domain.UserID]*mesh.Stream) {
		mainLog.Info("remote streams", zap.Int("count", len(streams)))
	})
	h.Presence().Watch(func(roomID string, members []domain.UserID) {
		mainLog.Info("presence", zap.String("room", roomID), zap.Int("members", len(members)))
	})
	h.Calls().OnIncoming(func(inv *call.Invitation) {
		if inv == nil {
			return
		}
		mainLog.Info("incoming call", zap.Stringer("from", inv.From), zap.String("name", inv.FromName))
		if *accept {
			// off the read goroutine: Accept joins a room and may capture media
			go func() {
				if err := h.Calls().Accept(ctx); err != nil && !errors.Is(err, call.ErrNoIncomingCall) {
					mainLog.Warn("accept call", zap.Error(err))
				}
			}()
		}
	})

	// Step 5: Room or call. A call-request sent before the link is up would
	// be dropped, so wait for it.
	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	err = h.Channel().WaitConnected(waitCtx)
	waitCancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		mainLog.Fatal("relay unreachable", zap.Error(err))
	}

	switch {
	case *callee != "":
		target, err := domain.ParseUserID(*callee)
		if err != nil {
			mainLog.Fatal("call target", zap.Error(err))
		}
		if err := h.Calls().InitiateCall(ctx, target, id.DisplayName); err != nil {
			mainLog.Fatal("initiate call", zap.Error(err))
		}
	case *room != "":
		if err := h.Calls().JoinRoom(ctx, *room); err != nil {
			mainLog.Fatal("join room", zap.Error(err))
		}
	}

	<-ctx.Done()
	mainLog.Info("done")
}

// resolveIdentity reads the token claims and, when an API base is set, the
// profile display name.
func resolveIdentity(ctx context.Context, cfg *config.Config) (domain.Identity, error) {
	id := domain.Identity{ID: cfg.UserID, Token: cfg.Token, DisplayName: cfg.DisplayName}

	if claims, err := auth.ParseToken(cfg.Token); err == nil {
		if claims.Expired(time.Now()) {
			return id, fmt.Errorf("token expired at %s", claims.ExpiresAt.Time)
		}
		id = claims.Identity(cfg.Token, cfg.DisplayName)
		if cfg.UserID != 0 {
			id.ID = cfg.UserID
		}
	} else if id.ID == 0 {
		return id, fmt.Errorf("no SC_USER_ID and token unreadable: %w", err)
	}

	if cfg.APIBase != "" && cfg.DisplayName == "" {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p, err := api.NewClient(cfg.APIBase, nil).Me(reqCtx, cfg.Token)
		if err != nil {
			return id, err
		}
		id.DisplayName = p.Name()
	}
	return id, nil
}
