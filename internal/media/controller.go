// Package media owns the local capture stream: acquisition, mute toggles and
// swapping the outgoing video between camera and screen.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/logger"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/metrics"
)

var (
	ErrNoStream          = errors.New("media: no local stream")
	ErrAlreadySharing    = errors.New("media: screen share already active")
	ErrNotSharing        = errors.New("media: no screen share active")
	ErrCameraUnavailable = errors.New("media: camera unavailable, video disabled")
)

// Senders is every outgoing video sender of the active room.
type Senders interface {
	ReplaceVideoTrack(track pion.TrackLocal) error
}

// State is what the presentation layer shows for local media.
type State struct {
	Acquired      bool
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

// Controller manages the local stream. It is safe for concurrent use.
type Controller struct {
	devices     Devices
	constraints Constraints
	log         *zap.Logger
	metrics     *metrics.Metrics

	acquireMu sync.Mutex

	mu       sync.Mutex
	stream   *Stream
	failed   error
	camera   *Track
	screen   *Track
	watchers []func(State)
}

// NewController creates a controller that captures with c on first use.
func NewController(devices Devices, c Constraints, log *zap.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		devices:     devices,
		constraints: c,
		log:         logger.OrNop(log).Named("media"),
		metrics:     metrics.OrNop(m),
	}
}

// Acquire opens the local stream. On failure the stream stays absent and
// the error is returned. A device failure is remembered by Tracks until
// Release; a failure caused by ctx ending is not.
func (c *Controller) Acquire(ctx context.Context, cons Constraints) error {
	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	c.mu.Lock()
	if c.stream != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	s, err := c.devices.UserMedia(ctx, cons)
	c.mu.Lock()
	if err != nil {
		if ctx.Err() == nil {
			c.failed = err
		}
		c.mu.Unlock()
		c.log.Warn("capture failed", zap.Error(err))
		return fmt.Errorf("acquire local media: %w", err)
	}
	c.stream = s
	c.failed = nil
	notify := c.notifyLocked()
	c.mu.Unlock()

	c.log.Info("local stream acquired", zap.String("stream", s.ID), zap.Bool("audio", s.Audio != nil), zap.Bool("video", s.Video != nil))
	notify()
	return nil
}

// Tracks returns the outgoing tracks, capturing on first use. After a failed
// capture it keeps returning that error without prompting again until
// Release.
func (c *Controller) Tracks(ctx context.Context) ([]pion.TrackLocal, error) {
	c.mu.Lock()
	failed := c.failed
	c.mu.Unlock()
	if failed != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStream, failed)
	}

	if err := c.Acquire(ctx, c.constraints); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, ErrNoStream
	}
	var out []pion.TrackLocal
	for _, t := range c.stream.Tracks() {
		out = append(out, t.Local())
	}
	return out, nil
}

// LocalStream returns a copy of the current stream, or nil.
func (c *Controller) LocalStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	s := *c.stream
	return &s
}

// ToggleAudio flips the microphone and returns the new flag.
func (c *Controller) ToggleAudio() bool {
	return c.toggle(func(s *Stream) *Track { return s.Audio })
}

// ToggleVideo flips the current video source and returns the new flag.
func (c *Controller) ToggleVideo() bool {
	return c.toggle(func(s *Stream) *Track { return s.Video })
}

func (c *Controller) toggle(pick func(*Stream) *Track) bool {
	c.mu.Lock()
	if c.stream == nil || pick(c.stream) == nil {
		c.mu.Unlock()
		return false
	}
	t := pick(c.stream)
	on := !t.Enabled()
	t.SetEnabled(on)
	notify := c.notifyLocked()
	c.mu.Unlock()

	c.log.Debug("track toggled", zap.Stringer("source", t.Source()), zap.Bool("enabled", on))
	notify()
	return on
}

// AudioEnabled reports whether the microphone is unmuted.
func (c *Controller) AudioEnabled() bool { return c.State().AudioEnabled }

// VideoEnabled reports whether the camera is on.
func (c *Controller) VideoEnabled() bool { return c.State().VideoEnabled }

// ScreenSharing reports whether the screen replaces the camera.
func (c *Controller) ScreenSharing() bool { return c.State().ScreenSharing }

// State snapshots the flags.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// StartScreenShare replaces the outgoing video of every sender with a
// display capture. The camera track is stopped. When the capture ends on its
// own the camera is restored automatically.
func (c *Controller) StartScreenShare(ctx context.Context, senders Senders) error {
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return ErrNoStream
	}
	if c.screen != nil {
		c.mu.Unlock()
		return ErrAlreadySharing
	}
	c.mu.Unlock()

	screen, err := c.devices.DisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("display capture: %w", err)
	}

	c.mu.Lock()
	if c.stream == nil || c.screen != nil {
		c.mu.Unlock()
		screen.Stop()
		return ErrAlreadySharing
	}
	camera := c.stream.Video
	c.camera = camera
	c.screen = screen
	c.stream.Video = screen
	notify := c.notifyLocked()
	c.mu.Unlock()

	if err := senders.ReplaceVideoTrack(screen.Local()); err != nil {
		c.log.Warn("replace video with screen", zap.Error(err))
	}
	if camera != nil {
		camera.Stop()
	}
	screen.OnEnded(func() {
		if err := c.stopScreenShare(context.Background(), senders, screen); err != nil && !errors.Is(err, ErrNotSharing) {
			c.log.Warn("restore camera after capture ended", zap.Error(err))
		}
	})

	c.metrics.TrackReplacement.WithLabelValues(SourceScreen.String()).Inc()
	c.log.Info("screen share started", zap.String("track", screen.ID()))
	notify()
	return nil
}

// StopScreenShare re-acquires the camera and puts it back on every sender.
// When the camera cannot be opened video stays off and ErrCameraUnavailable
// is returned.
func (c *Controller) StopScreenShare(ctx context.Context, senders Senders) error {
	return c.stopScreenShare(ctx, senders, nil)
}

func (c *Controller) stopScreenShare(ctx context.Context, senders Senders, only *Track) error {
	c.mu.Lock()
	screen := c.screen
	if screen == nil || (only != nil && screen != only) {
		c.mu.Unlock()
		return ErrNotSharing
	}
	c.screen = nil
	c.camera = nil
	c.mu.Unlock()

	var camera *Track
	s, err := c.devices.UserMedia(ctx, Constraints{Video: true})
	if err == nil && s.Video == nil {
		err = ErrNothingRequested
	}
	if err != nil {
		c.log.Warn("camera re-acquire failed, video disabled", zap.Error(err))
		err = fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	} else {
		camera = s.Video
	}

	var next pion.TrackLocal
	if camera != nil {
		next = camera.Local()
	}
	if rerr := senders.ReplaceVideoTrack(next); rerr != nil {
		c.log.Warn("replace video with camera", zap.Error(rerr))
	}

	c.mu.Lock()
	if c.stream != nil {
		c.stream.Video = camera
	} else if camera != nil {
		// released while re-acquiring
		camera.Stop()
	}
	notify := c.notifyLocked()
	c.mu.Unlock()

	screen.Stop()
	c.metrics.TrackReplacement.WithLabelValues(SourceCamera.String()).Inc()
	c.log.Info("screen share stopped", zap.Bool("camera", camera != nil))
	notify()
	return err
}

// Release stops every local track and forgets the stream.
func (c *Controller) Release() {
	c.mu.Lock()
	var tracks []*Track
	if c.stream != nil {
		tracks = c.stream.Tracks()
	}
	for _, t := range []*Track{c.camera, c.screen} {
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	had := c.stream != nil
	c.stream, c.camera, c.screen, c.failed = nil, nil, nil, nil
	notify := c.notifyLocked()
	c.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	if had {
		c.log.Info("local stream released")
	}
	notify()
}

// Watch registers fn for state changes.
func (c *Controller) Watch(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Controller) stateLocked() State {
	st := State{Acquired: c.stream != nil, ScreenSharing: c.screen != nil}
	if c.stream != nil {
		st.AudioEnabled = c.stream.Audio != nil && c.stream.Audio.Enabled()
		st.VideoEnabled = c.stream.Video != nil && c.stream.Video.Enabled()
	}
	return st
}

func (c *Controller) notifyLocked() func() {
	st := c.stateLocked()
	watchers := append(([]func(State))(nil), c.watchers...)
	return func() {
		for _, fn := range watchers {
			fn(st)
		}
	}
}
