package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNothingRequested is returned for constraints asking for no media.
var ErrNothingRequested = errors.New("media: neither audio nor video requested")

// Constraints selects which capture devices to open.
type Constraints struct {
	Audio bool
	Video bool
}

// DefaultConstraints asks for microphone and camera.
var DefaultConstraints = Constraints{Audio: true, Video: true}

// Devices opens capture sources. It is the host's camera, microphone and
// screen picker.
type Devices interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Track, error)
}

// SampleDevices opens sample-fed tracks: the host writes encoded opus and
// VP8 samples into them. It remembers every track it handed out.
type SampleDevices struct {
	mu     sync.Mutex
	issued []*Track
}

// NewSampleDevices returns devices with nothing issued yet.
func NewSampleDevices() *SampleDevices {
	return &SampleDevices{}
}

// UserMedia opens a microphone and a camera track as c asks.
func (d *SampleDevices) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNothingRequested
	}

	s := &Stream{ID: uuid.NewString()}
	if c.Audio {
		t, err := NewTrack(SourceMicrophone, s.ID)
		if err != nil {
			return nil, err
		}
		s.Audio = t
	}
	if c.Video {
		t, err := NewTrack(SourceCamera, s.ID)
		if err != nil {
			return nil, err
		}
		s.Video = t
	}
	d.remember(s.Tracks()...)
	return s, nil
}

// DisplayMedia opens a screen track.
func (d *SampleDevices) DisplayMedia(ctx context.Context) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := NewTrack(SourceScreen, uuid.NewString())
	if err != nil {
		return nil, err
	}
	d.remember(t)
	return t, nil
}

// Issued returns every track opened so far.
func (d *SampleDevices) Issued() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.issued...)
}

func (d *SampleDevices) remember(ts ...*Track) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.issued = append(d.issued, ts...)
}
