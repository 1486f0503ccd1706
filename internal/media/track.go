package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Source tells where a local track's samples come from.
type Source int

const (
	SourceMicrophone Source = iota
	SourceCamera
	SourceScreen
)

func (s Source) String() string {
	switch s {
	case SourceMicrophone:
		return "microphone"
	case SourceCamera:
		return "camera"
	case SourceScreen:
		return "screen"
	default:
		return "unknown"
	}
}

var (
	opusCapability = pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
)

// Track is one local capture track. Disabling it mutes the output without
// renegotiation; stopping it is final.
type Track struct {
	local  *pion.TrackLocalStaticSample
	source Source

	mu      sync.Mutex
	enabled bool
	live    bool
	onEnded []func()
}

// NewTrack creates a live, enabled track in streamID.
func NewTrack(source Source, streamID string) (*Track, error) {
	capability := vp8Capability
	if source == SourceMicrophone {
		capability = opusCapability
	}
	local, err := pion.NewTrackLocalStaticSample(capability, source.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", source, err)
	}
	return &Track{local: local, source: source, enabled: true, live: true}, nil
}

// Local is the track handed to transports.
func (t *Track) Local() pion.TrackLocal { return t.local }

// ID is the track id announced in SDP.
func (t *Track) ID() string { return t.local.ID() }

// Kind is audio or video.
func (t *Track) Kind() pion.RTPCodecType { return t.local.Kind() }

// Source tells microphone, camera and screen apart.
func (t *Track) Source() Source { return t.source }

// Enabled reports whether samples are forwarded.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled mutes or unmutes the track. A disabled track stays negotiated
// and drops its samples.
func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

// Live reports whether the track has neither been stopped nor ended.
func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// OnEnded registers fn to run when the capture source ends on its own.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// Stop ends the track locally. Ended hooks do not run.
func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = false
	t.onEnded = nil
}

// End is called by the capture source when it goes away, for example when
// the user closes a shared window. Ended hooks run once.
func (t *Track) End() {
	t.mu.Lock()
	if !t.live {
		t.mu.Unlock()
		return
	}
	t.live = false
	hooks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// WriteSample forwards one encoded sample. Samples of disabled or stopped
// tracks are discarded.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	forward := t.live && t.enabled
	t.mu.Unlock()
	if !forward {
		return nil
	}
	return t.local.WriteSample(s)
}

// Stream groups the local audio and video tracks. At most one video source
// feeds it at any time.
type Stream struct {
	ID    string
	Audio *Track
	Video *Track
}

// Tracks returns the non-nil tracks, audio first.
func (s *Stream) Tracks() []*Track {
	var out []*Track
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}
