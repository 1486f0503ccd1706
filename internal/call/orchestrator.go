// Package call turns call requests into room joins: placing a direct call,
// holding incoming invitations until the user answers, and tracking the one
// active session.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/logger"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/metrics"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/signal"
)

// DefaultInviteTTL is how long an unanswered invitation stays visible.
const DefaultInviteTTL = 45 * time.Second

var (
	ErrNoIncomingCall = errors.New("call: no incoming call")
	ErrNoActiveCall   = errors.New("call: no active session")
	ErrInvalidTarget  = errors.New("call: invalid call target")
	ErrClosed         = errors.New("call: orchestrator closed")
)

// DirectRoom names the room of a direct call to callee.
func DirectRoom(callee domain.UserID) string {
	return "direct_" + callee.String()
}

// RoomSession is the mesh as seen by the orchestrator.
type RoomSession interface {
	Join(ctx context.Context, roomID string) error
	Leave(roomID string) error
}

// Options tunes the orchestrator.
type Options struct {
	// InviteTTL expires unanswered invitations. Zero keeps them forever.
	InviteTTL time.Duration
}

// Session is the active call or channel.
type Session struct {
	RoomID  string
	Peer    domain.UserID
	Direct  bool
	Started time.Time
}

// Orchestrator owns the active session of the logged-in user.
type Orchestrator struct {
	sig     signal.Channel
	self    domain.Identity
	rooms   RoomSession
	log     *zap.Logger
	metrics *metrics.Metrics
	invites *inviteStore

	mu       sync.Mutex
	active   *Session
	unsub    func()
	closed   bool
	incoming []func(*Invitation)
}

// New subscribes to the channel right away so call requests are never missed.
func New(sig signal.Channel, self domain.Identity, rooms RoomSession, opts Options, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	o := &Orchestrator{
		sig:     sig,
		self:    self,
		rooms:   rooms,
		log:     logger.OrNop(log).Named("call"),
		metrics: metrics.OrNop(m),
	}
	o.invites = newInviteStore(opts.InviteTTL, o.expired)
	o.unsub = sig.Subscribe(o.handle)
	return o
}

// InitiateCall rings target and joins the direct room. Local media is left
// alone; it is captured once the callee arrives and negotiation starts.
func (o *Orchestrator) InitiateCall(ctx context.Context, target domain.UserID, name string) error {
	if target == 0 || target == o.self.ID {
		return fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}
	if name == "" {
		name = o.self.DisplayName
	}
	if err := o.endActive(); err != nil {
		return err
	}

	o.sig.Send(signal.CallRequest{TargetID: target, SenderName: name})
	room := DirectRoom(target)
	if err := o.join(ctx, room); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	o.setActive(&Session{RoomID: room, Peer: target, Direct: true, Started: time.Now()})
	o.log.Info("calling", zap.Stringer("target", target), zap.String("room", room))
	return nil
}

// IncomingCall returns the newest pending invitation, or nil.
func (o *Orchestrator) IncomingCall() *Invitation {
	return o.invites.latest()
}

// Invitations lists pending invitations, oldest first.
func (o *Orchestrator) Invitations() []*Invitation {
	invs := o.invites.all()
	sort.Slice(invs, func(i, j int) bool { return invs[i].Received.Before(invs[j].Received) })
	return invs
}

// OnIncoming registers fn for changes of IncomingCall. fn gets nil when no
// invitation is left.
func (o *Orchestrator) OnIncoming(fn func(*Invitation)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.incoming = append(o.incoming, fn)
}

// Accept joins the direct room the caller is waiting in, ending the active
// session first. Every pending invitation is resolved by it.
func (o *Orchestrator) Accept(ctx context.Context) error {
	inv := o.invites.latest()
	if inv == nil {
		return ErrNoIncomingCall
	}
	if err := o.endActive(); err != nil {
		return err
	}

	n := o.invites.clear()
	o.metrics.Invitations.WithLabelValues("accepted").Add(float64(n))

	room := DirectRoom(o.self.ID)
	if err := o.join(ctx, room); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	o.setActive(&Session{RoomID: room, Peer: inv.From, Direct: true, Started: time.Now()})
	o.log.Info("call accepted", zap.Stringer("caller", inv.From), zap.String("room", room))
	o.notifyIncoming()
	return nil
}

// Dismiss hides the newest invitation. The caller is not told.
func (o *Orchestrator) Dismiss() {
	inv := o.invites.latest()
	if inv == nil {
		return
	}
	o.invites.remove(inv.ID)
	o.metrics.Invitations.WithLabelValues("dismissed").Inc()
	o.log.Info("call dismissed", zap.Stringer("caller", inv.From))
	o.notifyIncoming()
}

// JoinRoom enters a persistent channel, ending any other session.
func (o *Orchestrator) JoinRoom(ctx context.Context, roomID string) error {
	o.mu.Lock()
	if o.active != nil && o.active.RoomID == roomID {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := o.endActive(); err != nil {
		return err
	}
	if err := o.join(ctx, roomID); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	o.setActive(&Session{RoomID: roomID, Started: time.Now()})
	return nil
}

// Hangup leaves the active session.
func (o *Orchestrator) Hangup() error {
	o.mu.Lock()
	active := o.active
	o.active = nil
	o.mu.Unlock()
	if active == nil {
		return ErrNoActiveCall
	}

	o.log.Info("hanging up", zap.String("room", active.RoomID), zap.Duration("duration", time.Since(active.Started)))
	if err := o.rooms.Leave(active.RoomID); err != nil {
		return fmt.Errorf("leave %s: %w", active.RoomID, err)
	}
	return nil
}

// Active returns a copy of the active session, or nil.
func (o *Orchestrator) Active() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return nil
	}
	s := *o.active
	return &s
}

// Close hangs up, drops pending invitations and stops listening.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	unsub := o.unsub
	o.mu.Unlock()

	unsub()
	if err := o.Hangup(); err != nil && !errors.Is(err, ErrNoActiveCall) {
		o.log.Warn("hangup on close", zap.Error(err))
	}
	o.invites.clear()
}

func (o *Orchestrator) handle(msg signal.Message) {
	req, ok := msg.(signal.CallRequest)
	if !ok {
		return
	}
	if req.TargetID != 0 && req.TargetID != o.self.ID {
		return
	}
	if req.SenderID == 0 || req.SenderID == o.self.ID {
		return
	}

	inv := o.invites.add(req.SenderID, req.SenderName, o.self.ID)
	o.metrics.Invitations.WithLabelValues("received").Inc()
	o.log.Info("incoming call", zap.Stringer("caller", inv.From), zap.String("name", inv.FromName))
	o.notifyIncoming()
}

func (o *Orchestrator) expired(inv *Invitation) {
	o.metrics.Invitations.WithLabelValues("expired").Inc()
	o.log.Info("call invitation expired", zap.Stringer("caller", inv.From))
	o.notifyIncoming()
}

func (o *Orchestrator) join(ctx context.Context, room string) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return o.rooms.Join(ctx, room)
}

func (o *Orchestrator) endActive() error {
	if err := o.Hangup(); err != nil && !errors.Is(err, ErrNoActiveCall) {
		return err
	}
	return nil
}

func (o *Orchestrator) setActive(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = s
}

func (o *Orchestrator) notifyIncoming() {
	o.mu.Lock()
	fns := append(([]func(*Invitation))(nil), o.incoming...)
	o.mu.Unlock()

	inv := o.invites.latest()
	for _, fn := range fns {
		fn(inv)
	}
}
