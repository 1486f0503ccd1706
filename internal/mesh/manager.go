// Package mesh keeps one peer transport per remote member of the joined room
// and drives each through the state machine in fsm.go.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/logger"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/metrics"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/signal"
)

// DefaultMaxPeers bounds the full mesh; every member uploads to every other.
const DefaultMaxPeers = 8

var (
	ErrAlreadyJoined = errors.New("mesh: already joined this room")
	ErrNotJoined     = errors.New("mesh: not joined to this room")
	ErrEmptyRoom     = errors.New("mesh: room id is empty")
)

// TransportFactory opens transports towards remote peers.
type TransportFactory interface {
	NewTransport(peer domain.UserID) (domain.Transport, error)
}

// LocalMedia hands out the local tracks, capturing them on first use.
type LocalMedia interface {
	Tracks(ctx context.Context) ([]pion.TrackLocal, error)
	Release()
}

// Options tunes the manager.
type Options struct {
	// Self is the local user; messages about it are ignored.
	Self domain.UserID
	// MaxPeers refuses peers beyond this count. Zero means unlimited.
	MaxPeers int
	// NegotiationTimeout closes peers stuck negotiating. Zero disables it.
	NegotiationTimeout time.Duration
	// ReleaseOnLeave stops local capture when the room is left.
	ReleaseOnLeave bool
}

// Stream is the remote media of one peer.
type Stream struct {
	PeerID domain.UserID
	ID     string
	Tracks []domain.RemoteTrack
}

type peer struct {
	id        domain.UserID
	state     State
	transport domain.Transport
	stream    *Stream
	timer     *time.Timer
}

type watcher struct {
	id uint64
	fn func(map[domain.UserID]*Stream)
}

// Manager is the peer connection manager for a single room at a time.
type Manager struct {
	sig     signal.Channel
	factory TransportFactory
	local   LocalMedia
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	room     string
	ctx      context.Context
	cancel   context.CancelFunc
	unsub    func()
	peers    map[domain.UserID]*peer
	watchers []watcher
	nextID   uint64
}

// New creates an idle manager.
func New(sig signal.Channel, factory TransportFactory, local LocalMedia, opts Options, log *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		sig:     sig,
		factory: factory,
		local:   local,
		opts:    opts,
		log:     logger.OrNop(log).Named("mesh"),
		metrics: metrics.OrNop(m),
		peers:   make(map[domain.UserID]*peer),
	}
}

// Join subscribes to the channel and announces the local user in roomID.
// A different room that is still joined is left first.
func (m *Manager) Join(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoom
	}

	m.mu.Lock()
	if m.room == roomID {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	cleanup := m.leaveLocked()
	m.room = roomID
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.unsub = m.sig.Subscribe(m.handle)
	m.mu.Unlock()

	cleanup()
	m.log.Info("joining room", zap.String("room", roomID))
	m.sig.Send(signal.Join{RoomID: roomID})
	return nil
}

// Leave closes every transport of roomID and tells the relay.
func (m *Manager) Leave(roomID string) error {
	m.mu.Lock()
	if m.room == "" || m.room != roomID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotJoined, roomID)
	}
	cleanup := m.leaveLocked()
	m.mu.Unlock()

	cleanup()
	return nil
}

// Rejoin announces the joined room again, for use after the relay link was
// re-established. It does nothing when no room is joined.
func (m *Manager) Rejoin() {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()
	if room == "" {
		return
	}
	m.log.Info("re-announcing room", zap.String("room", room))
	m.sig.Send(signal.Join{RoomID: room})
}

// Room returns the joined room, or "".
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Streams returns a copy of the remote streams keyed by peer.
func (m *Manager) Streams() map[domain.UserID]*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamsLocked()
}

// Peers returns the state of every live peer.
func (m *Manager) Peers() map[domain.UserID]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.UserID]State, len(m.peers))
	for id, p := range m.peers {
		out[id] = p.state
	}
	return out
}

// Watch registers fn for every change of the remote stream map.
func (m *Manager) Watch(fn func(map[domain.UserID]*Stream)) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, watcher{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w.id == id {
				m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
				return
			}
		}
	}
}

// ReplaceVideoTrack swaps the outgoing video of every live transport.
func (m *Manager) ReplaceVideoTrack(track pion.TrackLocal) error {
	m.mu.Lock()
	transports := make(map[domain.UserID]domain.Transport, len(m.peers))
	for id, p := range m.peers {
		transports[id] = p.transport
	}
	m.mu.Unlock()

	var errs []error
	for id, t := range transports {
		if err := t.ReplaceVideoTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// leaveLocked resets the room state and returns the work that must run
// after m.mu is released.
func (m *Manager) leaveLocked() func() {
	room := m.room
	if room == "" {
		return func() {}
	}

	unsub, cancel := m.unsub, m.cancel
	peers := m.peers
	m.peers = make(map[domain.UserID]*peer)
	m.room, m.unsub, m.cancel, m.ctx = "", nil, nil, nil
	for _, p := range peers {
		p.stopTimer()
		m.recordLocked(p.state, StateClosed)
	}
	notify := m.notifyLocked()

	return func() {
		unsub()
		cancel()
		for _, p := range peers {
			m.closeTransport(p)
		}
		m.sig.Send(signal.Leave{RoomID: room})
		if m.opts.ReleaseOnLeave {
			m.local.Release()
		}
		m.log.Info("left room", zap.String("room", room), zap.Int("peers_closed", len(peers)))
		notify()
	}
}

// handle runs on the channel's read goroutine.
func (m *Manager) handle(msg signal.Message) {
	switch v := msg.(type) {
	case signal.UserJoined:
		m.onEvent(v.RoomID, v.UserID, EventUserJoined, msg)
	case signal.UserLeft:
		m.onEvent(v.RoomID, v.UserID, EventUserLeft, msg)
	case signal.Offer:
		if m.addressed(v.TargetID) {
			m.onEvent(v.RoomID, v.SenderID, EventOffer, msg)
		}
	case signal.Answer:
		if m.addressed(v.TargetID) {
			m.onEvent(v.RoomID, v.SenderID, EventAnswer, msg)
		}
	case signal.ICECandidate:
		if m.addressed(v.TargetID) {
			m.onEvent(v.RoomID, v.SenderID, EventICECandidate, msg)
		}
	}
}

func (m *Manager) addressed(target domain.UserID) bool {
	return target == 0 || m.opts.Self == 0 || target == m.opts.Self
}

func (m *Manager) onEvent(room string, id domain.UserID, ev Event, msg signal.Message) {
	m.mu.Lock()
	if m.room == "" || (room != "" && room != m.room) || id == 0 || id == m.opts.Self {
		m.mu.Unlock()
		return
	}

	p := m.peers[id]
	from := StateAbsent
	if p != nil {
		from = p.state
	}
	to, action := Transition(from, ev)

	switch action {
	case ActionIgnore:
		m.mu.Unlock()
		m.log.Debug("ignoring event", zap.Stringer("peer", id), zap.Stringer("state", from), zap.Stringer("event", ev))

	case ActionOffer, ActionAnswer:
		if m.opts.MaxPeers > 0 && len(m.peers) >= m.opts.MaxPeers {
			m.mu.Unlock()
			m.metrics.PeersRefused.Inc()
			m.log.Warn("mesh is full, refusing peer", zap.Stringer("peer", id), zap.Int("max_peers", m.opts.MaxPeers))
			return
		}
		ctx, joined := m.ctx, m.room
		m.mu.Unlock()
		m.open(ctx, joined, id, action == ActionOffer, msg)

	case ActionRestartOffer, ActionRestartAnswer:
		delete(m.peers, id)
		p.stopTimer()
		m.recordLocked(from, StateClosed)
		notify := m.notifyLocked()
		ctx, joined := m.ctx, m.room
		m.mu.Unlock()

		m.log.Info("restarting negotiation", zap.Stringer("peer", id), zap.Stringer("event", ev))
		m.closeTransport(p)
		notify()
		m.open(ctx, joined, id, action == ActionRestartOffer, msg)

	case ActionApplyAnswer:
		t := p.transport
		m.mu.Unlock()
		if err := t.SetRemoteDescription(msg.(signal.Answer).Description); err != nil {
			m.log.Warn("apply answer", zap.Stringer("peer", id), zap.Error(err))
		}

	case ActionAddCandidate:
		t := p.transport
		m.mu.Unlock()
		if err := t.AddICECandidate(msg.(signal.ICECandidate).Candidate); err != nil {
			m.log.Debug("add candidate", zap.Stringer("peer", id), zap.Error(err))
		}

	case ActionClose:
		m.removeLocked(p, to)
		notify := m.notifyLocked()
		m.mu.Unlock()
		m.log.Info("peer closed", zap.Stringer("peer", id), zap.Stringer("event", ev))
		m.closeTransport(p)
		notify()

	default:
		p.state = to
		m.recordLocked(from, to)
		m.mu.Unlock()
	}
}

// open creates a transport for id and starts negotiating. Local media is
// acquired first without holding the lock, so the session and the peer slot
// are checked again before the transport is published. ctx identifies the
// session: every Join creates a new one.
func (m *Manager) open(ctx context.Context, room string, id domain.UserID, offerer bool, msg signal.Message) {
	tracks, err := m.local.Tracks(ctx)
	if err != nil {
		m.log.Warn("local media unavailable, negotiating without it", zap.Error(err))
		tracks = nil
	}

	t, err := m.factory.NewTransport(id)
	if err != nil {
		m.log.Error("create transport", zap.Stringer("peer", id), zap.Error(err))
		return
	}
	sending := map[pion.RTPCodecType]bool{}
	for _, track := range tracks {
		if err := t.AddTrack(track); err != nil {
			m.log.Warn("add local track", zap.Stringer("peer", id), zap.Error(err))
			continue
		}
		sending[track.Kind()] = true
	}
	// The answerer mirrors the offer's sections, so only the offerer has to
	// ask for media it does not send.
	if offerer {
		for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
			if sending[kind] {
				continue
			}
			if err := t.AddReceiveOnly(kind); err != nil {
				m.log.Warn("add receive-only section", zap.Stringer("peer", id), zap.Stringer("kind", kind), zap.Error(err))
			}
		}
	}

	p := &peer{id: id, state: StateNegotiating, transport: t}
	t.OnICECandidate(func(c domain.ICECandidatePayload) {
		if m.current(p) {
			m.sig.Send(signal.ICECandidate{RoomID: room, TargetID: id, Candidate: c})
		}
	})
	t.OnTrack(func(rt domain.RemoteTrack) { m.onTrack(p, rt) })
	t.OnStateChange(func(s pion.PeerConnectionState) {
		switch s {
		case pion.PeerConnectionStateConnected:
			m.peerEvent(p, EventTransportConnected)
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			m.peerEvent(p, EventTransportFailed)
		}
	})

	m.mu.Lock()
	if m.ctx != ctx || m.peers[id] != nil {
		m.mu.Unlock()
		m.log.Debug("peer slot changed while acquiring media", zap.Stringer("peer", id))
		_ = t.Close()
		return
	}
	m.peers[id] = p
	m.recordLocked(StateAbsent, StateNegotiating)
	if m.opts.NegotiationTimeout > 0 {
		p.timer = time.AfterFunc(m.opts.NegotiationTimeout, func() { m.peerEvent(p, EventNegotiationTimeout) })
	}
	m.mu.Unlock()

	if offerer {
		desc, err := t.CreateOffer()
		if err != nil {
			m.log.Warn("create offer", zap.Stringer("peer", id), zap.Error(err))
			m.peerEvent(p, EventTransportFailed)
			return
		}
		m.sig.Send(signal.Offer{RoomID: room, TargetID: id, Description: desc})
		return
	}

	offer := msg.(signal.Offer)
	if err := t.SetRemoteDescription(offer.Description); err != nil {
		m.log.Warn("apply offer", zap.Stringer("peer", id), zap.Error(err))
		m.peerEvent(p, EventTransportFailed)
		return
	}
	desc, err := t.CreateAnswer()
	if err != nil {
		m.log.Warn("create answer", zap.Stringer("peer", id), zap.Error(err))
		m.peerEvent(p, EventTransportFailed)
		return
	}
	m.sig.Send(signal.Answer{RoomID: room, TargetID: id, Description: desc})
}

func (m *Manager) onTrack(p *peer, rt domain.RemoteTrack) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	if p.stream == nil {
		p.stream = &Stream{PeerID: p.id, ID: rt.StreamID()}
	}
	p.stream.Tracks = append(p.stream.Tracks, rt)
	if to, _ := Transition(p.state, EventTrack); to != p.state {
		m.recordLocked(p.state, to)
		p.state = to
		p.stopTimer()
	}
	notify := m.notifyLocked()
	m.mu.Unlock()

	m.log.Info("remote track", zap.Stringer("peer", p.id), zap.Stringer("kind", rt.Kind()))
	notify()
}

// peerEvent feeds an event raised by p's own transport or timer. Events of
// a transport that was already replaced are dropped.
func (m *Manager) peerEvent(p *peer, ev Event) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	to, action := Transition(p.state, ev)
	switch action {
	case ActionClose:
		m.removeLocked(p, to)
		notify := m.notifyLocked()
		m.mu.Unlock()
		m.log.Info("peer closed", zap.Stringer("peer", p.id), zap.Stringer("event", ev))
		m.closeTransport(p)
		notify()
	case ActionNone:
		if to != p.state {
			m.recordLocked(p.state, to)
			p.state = to
			p.stopTimer()
		}
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) current(p *peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[p.id] == p
}

func (m *Manager) removeLocked(p *peer, to State) {
	delete(m.peers, p.id)
	p.stopTimer()
	m.recordLocked(p.state, to)
	p.state = to
}

func (m *Manager) closeTransport(p *peer) {
	if err := p.transport.Close(); err != nil {
		m.log.Debug("close transport", zap.Stringer("peer", p.id), zap.Error(err))
	}
}

func (m *Manager) recordLocked(from, to State) {
	m.metrics.PeerTransitions.WithLabelValues(from.String(), to.String()).Inc()
	m.metrics.Peers.Set(float64(len(m.peers)))
}

func (m *Manager) streamsLocked() map[domain.UserID]*Stream {
	out := make(map[domain.UserID]*Stream)
	for id, p := range m.peers {
		if p.stream == nil {
			continue
		}
		s := *p.stream
		s.Tracks = append([]domain.RemoteTrack(nil), p.stream.Tracks...)
		out[id] = &s
	}
	return out
}

// notifyLocked snapshots the streams for the watchers; the returned func
// must run after m.mu is released.
func (m *Manager) notifyLocked() func() {
	if len(m.watchers) == 0 {
		return func() {}
	}
	streams := m.streamsLocked()
	watchers := append([]watcher(nil), m.watchers...)
	return func() {
		for _, w := range watchers {
			w.fn(streams)
		}
	}
}

func (p *peer) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
