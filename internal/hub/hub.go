// Package hub scopes every real-time component to one authenticated
// identity. Components exist between Login and Logout only; reaching for
// them outside that window is a programming error and panics.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/call"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/config"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/logger"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/media"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/mesh"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/metrics"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/presence"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/signal"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/webrtc"
)

var ErrInvalidIdentity = errors.New("hub: identity needs an id and a token")

// Config gathers the options of every component.
type Config struct {
	Signal      signal.Options
	Transport   webrtc.Options
	Mesh        mesh.Options
	Call        call.Options
	Constraints media.Constraints
}

// FromConfig maps the environment configuration onto component options.
func FromConfig(c *config.Config) Config {
	return Config{
		Signal: signal.Options{
			BaseURL:        c.RelayBase,
			Secure:         c.Secure,
			ReconnectDelay: c.ReconnectDelay,
			PingInterval:   c.PingInterval,
		},
		Transport: webrtc.Options{ICEServers: c.STUNURLs},
		Mesh: mesh.Options{
			MaxPeers:           c.MaxPeers,
			NegotiationTimeout: c.NegotiationTimeout,
		},
		Call:        call.Options{InviteTTL: c.InviteTTL},
		Constraints: media.DefaultConstraints,
	}
}

type session struct {
	identity domain.Identity
	channel  *signal.Client
	presence *presence.Tracker
	media    *media.Controller
	mesh     *mesh.Manager
	calls    *call.Orchestrator
	unwatch  func()
}

// Hub is the per-application context object.
type Hub struct {
	cfg     Config
	devices media.Devices
	factory *webrtc.Factory
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	session *session
}

// New prepares a logged-out hub.
func New(cfg Config, devices media.Devices, log *zap.Logger, m *metrics.Metrics) (*Hub, error) {
	log = logger.OrNop(log)
	factory, err := webrtc.NewFactory(cfg.Transport, log)
	if err != nil {
		return nil, fmt.Errorf("transport factory: %w", err)
	}
	return &Hub{
		cfg:     cfg,
		devices: devices,
		factory: factory,
		log:     log,
		metrics: metrics.OrNop(m),
	}, nil
}

// Login builds the components for id and opens the relay link. Logging in
// again with the same identity does nothing; another identity replaces the
// current one.
func (h *Hub) Login(id domain.Identity) error {
	if !id.Valid() {
		return ErrInvalidIdentity
	}

	h.mu.Lock()
	if h.session != nil && h.session.identity == id {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	h.Logout()

	s := &session{identity: id}
	s.channel = signal.NewClient(h.cfg.Signal, h.log, h.metrics)
	s.presence = presence.NewTracker(s.channel, h.log)
	s.media = media.NewController(h.devices, h.cfg.Constraints, h.log, h.metrics)

	meshOpts := h.cfg.Mesh
	meshOpts.Self = id.ID
	meshOpts.ReleaseOnLeave = true
	s.mesh = mesh.New(s.channel, h.factory, s.media, meshOpts, h.log, h.metrics)
	s.calls = call.New(s.channel, id, s.mesh, h.cfg.Call, h.log, h.metrics)

	// The channel never replays membership; the hub re-announces the joined
	// room each time the link comes up.
	s.unwatch = s.channel.OnStateChange(func(st signal.State, _ error) {
		if st == signal.StateConnected {
			s.mesh.Rejoin()
		}
	})

	h.mu.Lock()
	h.session = s
	h.mu.Unlock()

	h.log.Named("hub").Info("logged in", zap.Stringer("user", id.ID), zap.String("name", id.DisplayName))
	s.channel.Connect(id)
	return nil
}

// Logout tears every component down. It is safe to call when logged out.
func (h *Hub) Logout() {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()
	if s == nil {
		return
	}

	s.unwatch()
	s.calls.Close()
	s.media.Release()
	s.presence.Close()
	s.channel.Close()
	h.log.Named("hub").Info("logged out", zap.Stringer("user", s.identity.ID))
}

// Identity returns the logged-in identity.
func (h *Hub) Identity() (domain.Identity, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return domain.Identity{}, false
	}
	return h.session.identity, true
}

func (h *Hub) Channel() *signal.Client     { return h.must().channel }
func (h *Hub) Calls() *call.Orchestrator   { return h.must().calls }
func (h *Hub) Presence() *presence.Tracker { return h.must().presence }
func (h *Hub) Media() *media.Controller    { return h.must().media }
func (h *Hub) Mesh() *mesh.Manager         { return h.must().mesh }

// ShareScreen starts or stops screen sharing on every peer of the room.
func (h *Hub) ShareScreen(ctx context.Context, on bool) error {
	s := h.must()
	if on {
		return s.media.StartScreenShare(ctx, s.mesh)
	}
	return s.media.StopScreenShare(ctx, s.mesh)
}

func (h *Hub) must() *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		panic("hub: no authenticated identity; call Login first")
	}
	return h.session
}
