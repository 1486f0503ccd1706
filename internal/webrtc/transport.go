package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/logger"
)

// DefaultSTUN is the only ICE server used when none is configured.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// ErrNoVideoSender is returned when a video swap is requested on a transport
// that was never given a video track.
var ErrNoVideoSender = errors.New("webrtc: transport has no video sender")

// Options tunes every transport a Factory creates.
type Options struct {
	// ICEServers lists STUN urls. Nil means DefaultSTUN; an empty non-nil
	// slice means host candidates only.
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// KeepLoopback disables filtering of loopback candidates.
	KeepLoopback bool
}

// Factory builds transports sharing one media engine and interceptor set.
type Factory struct {
	api     *pion.API
	servers []pion.ICEServer
	opts    Options
	log     *zap.Logger
}

// NewFactory registers the default codecs and interceptors (NACK, RTCP
// reports, TWCC) and prepares the ICE configuration.
func NewFactory(opts Options, log *zap.Logger) (*Factory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := pion.SettingEngine{}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 || opts.KeepAliveInterval > 0 {
		se.SetICETimeouts(
			orDefault(opts.DisconnectedTimeout, 5*time.Second),
			orDefault(opts.FailedTimeout, 25*time.Second),
			orDefault(opts.KeepAliveInterval, 2*time.Second),
		)
	}

	urls := opts.ICEServers
	if urls == nil {
		urls = []string{DefaultSTUN}
	}
	var servers []pion.ICEServer
	for _, u := range urls {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}

	return &Factory{
		api: pion.NewAPI(
			pion.WithMediaEngine(m),
			pion.WithInterceptorRegistry(i),
			pion.WithSettingEngine(se),
		),
		servers: servers,
		opts:    opts,
		log:     logger.OrNop(log).Named("webrtc"),
	}, nil
}

// NewTransport opens a peer connection towards peer.
func (f *Factory) NewTransport(peer domain.UserID) (domain.Transport, error) {
	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers:   f.servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &Transport{
		pc:           pc,
		log:          f.log.With(zap.Stringer("peer", peer)),
		keepLoopback: f.opts.KeepLoopback,
	}
	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		t.log.Debug("ICE connection state", zap.Stringer("state", s))
	})
	return t, nil
}

// Transport wraps a pion PeerConnection.
type Transport struct {
	pc           *pion.PeerConnection
	log          *zap.Logger
	keepLoopback bool

	mu        sync.Mutex
	remoteSet bool
	pending   []pion.ICECandidateInit
	video     *pion.RTPSender
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (t *Transport) CreateOffer() (domain.SDPPayload, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	t.log.Debug("local offer set")
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer answers the installed remote offer.
func (t *Transport) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	t.log.Debug("local answer set")
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription installs desc and applies candidates that arrived
// before it.
func (t *Transport) SetRemoteDescription(desc domain.SDPPayload) error {
	typ := pion.NewSDPType(desc.Type)
	if typ == pion.SDPTypeUnknown {
		return fmt.Errorf("set remote description: unknown sdp type %q", desc.Type)
	}
	if err := t.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	t.log.Debug("remote description set", zap.String("type", desc.Type), zap.Int("queued_candidates", len(pending)))
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.log.Warn("add queued candidate", zap.Error(err))
		}
	}
	return nil
}

// AddICECandidate applies a remote candidate, queueing it until the remote
// description is known.
func (t *Transport) AddICECandidate(c domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// OnICECandidate registers the callback for locally gathered candidates.
// Loopback candidates are not reported.
func (t *Transport) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	t.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			t.log.Debug("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if !t.keepLoopback && isLoopback(init.Candidate) {
			t.log.Debug("filtering loopback candidate")
			return
		}
		fn(domain.ICECandidatePayload{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

// OnTrack reports inbound tracks. A keyframe is requested on every remote
// video track so rendering can start right away.
func (t *Transport) OnTrack(fn func(domain.RemoteTrack)) {
	t.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		t.log.Info("got track", zap.Stringer("kind", track.Kind()), zap.String("codec", codec.MimeType))
		if track.Kind() == pion.RTPCodecTypeVideo {
			err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				t.log.Debug("send PLI", zap.Error(err))
			}
		}
		fn(track)
	})
}

// OnStateChange reports peer connection state changes.
func (t *Transport) OnStateChange(fn func(pion.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		t.log.Debug("peer connection state", zap.Stringer("state", s))
		fn(s)
	})
}

// AddTrack attaches a local track and drains its RTCP.
func (t *Transport) AddTrack(track pion.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	if track.Kind() == pion.RTPCodecTypeVideo {
		t.mu.Lock()
		t.video = sender
		t.mu.Unlock()
	}
	go drainRTCP(sender)
	return nil
}

// AddReceiveOnly adds a recvonly transceiver of kind.
func (t *Transport) AddReceiveOnly(kind pion.RTPCodecType) error {
	_, err := t.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
	}
	return nil
}

// ReplaceVideoTrack swaps the source of the video sender in place.
func (t *Transport) ReplaceVideoTrack(track pion.TrackLocal) error {
	t.mu.Lock()
	sender := t.video
	t.mu.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

// Close shuts the peer connection down.
func (t *Transport) Close() error {
	return t.pc.Close()
}

func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
