package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/metrics"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/signal"
)

const self domain.UserID = 1

// fakeChannel records sent messages and lets tests inject inbound ones.
type fakeChannel struct {
	mu       sync.Mutex
	sent     []signal.Message
	handlers map[int]signal.Handler
	next     int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[int]signal.Handler)}
}

func (c *fakeChannel) Send(msg signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeChannel) Subscribe(h signal.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

func (c *fakeChannel) deliver(msg signal.Message) {
	c.mu.Lock()
	var hs []signal.Handler
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (c *fakeChannel) messages() []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signal.Message(nil), c.sent...)
}

func (c *fakeChannel) ofType(t signal.Type) []signal.Message {
	var out []signal.Message
	for _, m := range c.messages() {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeTransport records every call made by the manager.
type fakeTransport struct {
	peer domain.UserID

	mu         sync.Mutex
	remote     []domain.SDPPayload
	candidates []domain.ICECandidatePayload
	tracks     []pion.TrackLocal
	recvOnly   []pion.RTPCodecType
	video      []pion.TrackLocal
	closed     bool
	iceFn      func(domain.ICECandidatePayload)
	trackFn    func(domain.RemoteTrack)
	stateFn    func(pion.PeerConnectionState)
}

func (t *fakeTransport) CreateOffer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "offer", SDP: "offer-to-" + t.peer.String()}, nil
}

func (t *fakeTransport) CreateAnswer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "answer", SDP: "answer-to-" + t.peer.String()}, nil
}

func (t *fakeTransport) SetRemoteDescription(d domain.SDPPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = append(t.remote, d)
	return nil
}

func (t *fakeTransport) AddICECandidate(c domain.ICECandidatePayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) OnICECandidate(fn func(domain.ICECandidatePayload)) { t.iceFn = fn }
func (t *fakeTransport) OnTrack(fn func(domain.RemoteTrack))                { t.trackFn = fn }
func (t *fakeTransport) OnStateChange(fn func(pion.PeerConnectionState))    { t.stateFn = fn }

func (t *fakeTransport) AddTrack(tr pion.TrackLocal) error {
	t.tracks = append(t.tracks, tr)
	return nil
}

func (t *fakeTransport) AddReceiveOnly(kind pion.RTPCodecType) error {
	t.recvOnly = append(t.recvOnly, kind)
	return nil
}

func (t *fakeTransport) ReplaceVideoTrack(tr pion.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.video = append(t.video, tr)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) NewTransport(peer domain.UserID) (domain.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{peer: peer}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) forPeer(id domain.UserID) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransport
	for _, t := range f.created {
		if t.peer == id {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeFactory) last(id domain.UserID) *fakeTransport {
	ts := f.forPeer(id)
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

type fakeMedia struct {
	mu       sync.Mutex
	calls    int
	released int
	err      error
	tracks   []pion.TrackLocal
	// during runs inside Tracks, while capture would be pending.
	during func()
}

func (m *fakeMedia) Tracks(context.Context) ([]pion.TrackLocal, error) {
	m.mu.Lock()
	m.calls++
	during := m.during
	m.during = nil
	tracks, err := m.tracks, m.err
	m.mu.Unlock()

	if during != nil {
		during()
	}
	return tracks, err
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

type fakeRemoteTrack struct {
	id, stream string
	kind       pion.RTPCodecType
}

func (r fakeRemoteTrack) ID() string              { return r.id }
func (r fakeRemoteTrack) StreamID() string        { return r.stream }
func (r fakeRemoteTrack) Kind() pion.RTPCodecType { return r.kind }

type fixture struct {
	ch      *fakeChannel
	factory *fakeFactory
	media   *fakeMedia
	metrics *metrics.Metrics
	m       *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	opts.Self = self
	f := &fixture{ch: newFakeChannel(), factory: &fakeFactory{}, media: &fakeMedia{}, metrics: metrics.New(nil)}
	f.m = New(f.ch, f.factory, f.media, opts, nil, f.metrics)
	return f
}

func TestJoin_SendsJoinAndRejectsDuplicate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.m.Join(ctx, "lobby"))
	assert.ErrorIs(t, f.m.Join(ctx, "lobby"), ErrAlreadyJoined)
	assert.Equal(t, []signal.Message{signal.Join{RoomID: "lobby"}}, f.ch.messages())
	assert.Equal(t, "lobby", f.m.Room())
}

func TestJoin_DifferentRoomLeavesFirst(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.m.Join(ctx, "a"))
	f.ch.deliver(signal.UserJoined{RoomID: "a", UserID: 5})
	require.NoError(t, f.m.Join(ctx, "b"))

	assert.Equal(t, []signal.Message{
		signal.Join{RoomID: "a"},
		signal.Offer{RoomID: "a", TargetID: 5, Description: domain.SDPPayload{Type: "offer", SDP: "offer-to-5"}},
		signal.Leave{RoomID: "a"},
		signal.Join{RoomID: "b"},
	}, f.ch.messages())
	assert.True(t, f.factory.last(5).isClosed())
	assert.Empty(t, f.m.Peers())
}

func TestJoin_EmptyRoom(t *testing.T) {
	f := newFixture(t, Options{})
	assert.ErrorIs(t, f.m.Join(context.Background(), ""), ErrEmptyRoom)
}

func TestLeave_NotJoined(t *testing.T) {
	f := newFixture(t, Options{})
	assert.ErrorIs(t, f.m.Leave("lobby"), ErrNotJoined)
}

func TestUserJoined_CreatesOfferForThatPeer(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})

	offers := f.ch.ofType(signal.TypeOffer)
	require.Len(t, offers, 1)
	offer := offers[0].(signal.Offer)
	assert.Equal(t, domain.UserID(2), offer.TargetID)
	assert.Equal(t, "lobby", offer.RoomID)
	assert.Equal(t, map[domain.UserID]State{2: StateNegotiating}, f.m.Peers())
}

func TestSelfEventsAreIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: self})
	assert.Empty(t, f.m.Peers())
	assert.Empty(t, f.factory.forPeer(self))
}

func TestOffer_IsAnsweredToSender(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.Offer{RoomID: "lobby", TargetID: self, SenderID: 3, Description: domain.SDPPayload{Type: "offer", SDP: "remote"}})

	tr := f.factory.last(3)
	require.NotNil(t, tr)
	assert.Equal(t, []domain.SDPPayload{{Type: "offer", SDP: "remote"}}, tr.remote)

	answers := f.ch.ofType(signal.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, signal.Answer{RoomID: "lobby", TargetID: 3, Description: domain.SDPPayload{Type: "answer", SDP: "answer-to-3"}}, answers[0])
}

func TestOffer_ForAnotherUserIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.Offer{RoomID: "lobby", TargetID: 99, SenderID: 3, Description: domain.SDPPayload{SDP: "x"}})
	assert.Empty(t, f.factory.forPeer(3))
}

func TestAnswerAndCandidate_ApplyToKnownPeer(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})

	f.ch.deliver(signal.Answer{RoomID: "lobby", SenderID: 2, TargetID: self, Description: domain.SDPPayload{Type: "answer", SDP: "a"}})
	f.ch.deliver(signal.ICECandidate{RoomID: "lobby", SenderID: 2, TargetID: self, Candidate: domain.ICECandidatePayload{Candidate: "c1"}})

	tr := f.factory.last(2)
	assert.Equal(t, []domain.SDPPayload{{Type: "answer", SDP: "a"}}, tr.remote)
	assert.Equal(t, []domain.ICECandidatePayload{{Candidate: "c1"}}, tr.candidates)
}

func TestAnswerAndCandidate_UnknownPeerIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	assert.NotPanics(t, func() {
		f.ch.deliver(signal.Answer{RoomID: "lobby", SenderID: 8, Description: domain.SDPPayload{SDP: "a"}})
		f.ch.deliver(signal.ICECandidate{RoomID: "lobby", SenderID: 8, Candidate: domain.ICECandidatePayload{Candidate: "c"}})
		f.ch.deliver(signal.UserLeft{RoomID: "lobby", UserID: 8})
	})
	assert.Empty(t, f.factory.forPeer(8))
	assert.Empty(t, f.m.Peers())
}

func TestLocalCandidate_GoesToThatPeerOnly(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 3})

	f.factory.last(3).iceFn(domain.ICECandidatePayload{Candidate: "mine"})

	cands := f.ch.ofType(signal.TypeICECandidate)
	require.Len(t, cands, 1)
	assert.Equal(t, signal.ICECandidate{RoomID: "lobby", TargetID: 3, Candidate: domain.ICECandidatePayload{Candidate: "mine"}}, cands[0])
}

func TestOtherRoomMessagesAreIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.UserJoined{RoomID: "elsewhere", UserID: 2})
	assert.Empty(t, f.factory.forPeer(2))
}

func TestAtMostOneLivePeerEntry(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	seq := []signal.Message{
		signal.UserJoined{RoomID: "lobby", UserID: 2},
		signal.UserJoined{RoomID: "lobby", UserID: 2},
		signal.Offer{RoomID: "lobby", SenderID: 2, Description: domain.SDPPayload{Type: "offer", SDP: "o"}},
		signal.UserLeft{RoomID: "lobby", UserID: 2},
		signal.UserLeft{RoomID: "lobby", UserID: 2},
		signal.UserJoined{RoomID: "lobby", UserID: 2},
		signal.UserJoined{RoomID: "lobby", UserID: 2},
	}
	for _, msg := range seq {
		f.ch.deliver(msg)

		live := 0
		for _, tr := range f.factory.forPeer(2) {
			if !tr.isClosed() {
				live++
			}
		}
		assert.LessOrEqual(t, live, 1, "after %s", msg.Type())
	}
	assert.Len(t, f.m.Peers(), 1)
}

func TestUserLeft_ClosesTransportAndDropsStream(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	var mu sync.Mutex
	var seen []int
	f.m.Watch(func(s map[domain.UserID]*Stream) {
		mu.Lock()
		seen = append(seen, len(s))
		mu.Unlock()
	})

	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	tr := f.factory.last(2)
	tr.trackFn(fakeRemoteTrack{id: "v", stream: "s2", kind: pion.RTPCodecTypeVideo})

	streams := f.m.Streams()
	require.Contains(t, streams, domain.UserID(2))
	assert.Equal(t, "s2", streams[2].ID)
	assert.Equal(t, StateConnected, f.m.Peers()[2])

	f.ch.deliver(signal.UserLeft{RoomID: "lobby", UserID: 2})
	assert.True(t, tr.isClosed())
	assert.Empty(t, f.m.Streams())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, seen)
}

func TestTransportFailure_ClosesPeerSilently(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})

	f.factory.last(2).stateFn(pion.PeerConnectionStateFailed)

	assert.Empty(t, f.m.Peers())
	assert.True(t, f.factory.last(2).isClosed())
}

func TestStaleTransportEventsAreDropped(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	old := f.factory.last(2)
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})

	old.stateFn(pion.PeerConnectionStateClosed)
	assert.Equal(t, map[domain.UserID]State{2: StateNegotiating}, f.m.Peers())
}

func TestMaxPeers_RefusesBeyondCeiling(t *testing.T) {
	f := newFixture(t, Options{MaxPeers: 1})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 3})

	assert.Len(t, f.m.Peers(), 1)
	assert.Empty(t, f.factory.forPeer(3))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PeersRefused))
}

func TestNegotiationTimeout_ClosesStuckPeer(t *testing.T) {
	f := newFixture(t, Options{NegotiationTimeout: 20 * time.Millisecond})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})

	require.Eventually(t, func() bool { return len(f.m.Peers()) == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.factory.last(2).isClosed())
}

func TestNegotiationTimeout_SparesConnectedPeer(t *testing.T) {
	f := newFixture(t, Options{NegotiationTimeout: 20 * time.Millisecond})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	f.factory.last(2).stateFn(pion.PeerConnectionStateConnected)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, map[domain.UserID]State{2: StateConnected}, f.m.Peers())
}

func TestLocalMedia_AcquiredLazily(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	assert.Equal(t, 0, f.media.calls)

	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	assert.Equal(t, 1, f.media.calls)
}

func TestLocalMedia_FailureStillNegotiates(t *testing.T) {
	f := newFixture(t, Options{})
	f.media.err = errors.New("permission denied")
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	assert.Len(t, f.ch.ofType(signal.TypeOffer), 1)
	assert.Empty(t, f.factory.last(2).tracks)
	assert.Equal(t, []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo}, f.factory.last(2).recvOnly)
}

func TestLocalMedia_OffererAsksOnlyForKindsItDoesNotSend(t *testing.T) {
	f := newFixture(t, Options{})
	mic, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "mic", "local")
	require.NoError(t, err)
	f.media.tracks = []pion.TrackLocal{mic}
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	tr := f.factory.last(2)
	assert.Len(t, tr.tracks, 1)
	assert.Equal(t, []pion.RTPCodecType{pion.RTPCodecTypeVideo}, tr.recvOnly)
}

func TestLocalMedia_AnswererMirrorsTheOffer(t *testing.T) {
	f := newFixture(t, Options{})
	f.media.err = errors.New("permission denied")
	require.NoError(t, f.m.Join(context.Background(), "lobby"))

	f.ch.deliver(signal.Offer{RoomID: "lobby", TargetID: self, SenderID: 3, Description: domain.SDPPayload{Type: "offer", SDP: "remote"}})
	assert.Empty(t, f.factory.last(3).recvOnly)
	assert.Len(t, f.ch.ofType(signal.TypeAnswer), 1)
}

func TestOpen_SessionReplacedDuringCaptureDropsTransport(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.m.Join(ctx, "lobby"))

	// same room name, new session
	f.media.during = func() {
		require.NoError(t, f.m.Leave("lobby"))
		require.NoError(t, f.m.Join(ctx, "lobby"))
	}
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})

	tr := f.factory.last(2)
	require.NotNil(t, tr)
	assert.True(t, tr.isClosed())
	assert.Empty(t, f.m.Peers())
	assert.Empty(t, f.ch.ofType(signal.TypeOffer))
	assert.Equal(t, "lobby", f.m.Room())
}

func TestLeave_ClosesEverythingAndReleasesMedia(t *testing.T) {
	f := newFixture(t, Options{ReleaseOnLeave: true})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 3})

	require.NoError(t, f.m.Leave("lobby"))

	assert.True(t, f.factory.last(2).isClosed())
	assert.True(t, f.factory.last(3).isClosed())
	assert.Equal(t, 1, f.media.released)
	assert.Equal(t, []signal.Message{signal.Leave{RoomID: "lobby"}}, f.ch.ofType(signal.TypeLeave))
	assert.Empty(t, f.m.Room())

	// no longer subscribed
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 4})
	assert.Empty(t, f.factory.forPeer(4))
}

func TestReplaceVideoTrack_AppliesToEveryPeer(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 2})
	f.ch.deliver(signal.UserJoined{RoomID: "lobby", UserID: 3})

	require.NoError(t, f.m.ReplaceVideoTrack(nil))
	assert.Len(t, f.factory.last(2).video, 1)
	assert.Len(t, f.factory.last(3).video, 1)
}

func TestRejoin_ResendsJoinForCurrentRoom(t *testing.T) {
	f := newFixture(t, Options{})
	f.m.Rejoin()
	assert.Empty(t, f.ch.messages())

	require.NoError(t, f.m.Join(context.Background(), "lobby"))
	f.m.Rejoin()
	assert.Equal(t, []signal.Message{signal.Join{RoomID: "lobby"}, signal.Join{RoomID: "lobby"}}, f.ch.messages())
}
