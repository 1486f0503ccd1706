package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/logger"
	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/metrics"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultWriteWait      = 10 * time.Second
	// DefaultMaxMessageSize matches the relay's read limit.
	DefaultMaxMessageSize = 5120
)

// State is the observable link state of the channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var allStates = []State{StateDisconnected, StateConnecting, StateConnected, StateError}

// Handler receives every inbound message.
type Handler func(Message)

// Channel is the surface the mesh, call and presence packages consume.
type Channel interface {
	Send(msg Message)
	Subscribe(h Handler) (unsubscribe func())
}

// Options configures the relay link.
type Options struct {
	BaseURL        string
	Secure         bool
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	Dialer         *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type subscription struct {
	id uint64
	fn Handler
}

type stateWatcher struct {
	id uint64
	fn func(State, error)
}

// Client owns the single relay connection of the current identity.
// Reconnects use a fixed delay and never replay room membership; consumers
// re-send join themselves.
type Client struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	identity *domain.Identity
	conn     *websocket.Conn
	gen      uint64
	state    State
	lastErr  error
	timer    *time.Timer
	subs     []subscription
	watchers []stateWatcher
	nextID   uint64

	writeMu sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(opts Options, log *zap.Logger, m *metrics.Metrics) *Client {
	c := &Client{
		opts:    opts.withDefaults(),
		log:     logger.OrNop(log).Named("signal"),
		metrics: metrics.OrNop(m),
	}
	c.recordState(StateDisconnected)
	return c
}

// Connect opens the relay link for id. It returns immediately; progress is
// reported through OnStateChange. Calling it again for the same identity
// while connecting or connected does nothing. A pending reconnect is
// cancelled and replaced by an immediate attempt.
func (c *Client) Connect(id domain.Identity) {
	c.mu.Lock()
	if c.identity != nil && *c.identity == id && (c.state == StateConnecting || c.state == StateConnected) {
		c.mu.Unlock()
		return
	}

	var old *websocket.Conn
	if c.identity != nil && *c.identity != id {
		old = c.conn
		c.conn = nil
	}
	c.stopTimerLocked()
	c.identity = &id
	c.gen++
	gen := c.gen
	notify := c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	if old != nil {
		c.closeConn(old)
	}
	notify()
	go c.dial(gen, id)
}

// Send writes msg when the link is open and silently drops it otherwise.
// Nothing is queued for later delivery.
func (c *Client) Send(msg Message) {
	data, err := Encode(msg)
	if err != nil {
		c.log.Error("encode message", zap.Error(err))
		return
	}

	c.mu.Lock()
	conn := c.conn
	open := c.state == StateConnected
	c.mu.Unlock()

	if conn == nil || !open {
		c.metrics.MessagesDropped.Inc()
		c.log.Debug("channel not open, dropping message", zap.String("type", string(msg.Type())))
		return
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		// the read loop observes the broken link and schedules the reconnect
		c.log.Warn("write message", zap.String("type", string(msg.Type())), zap.Error(err))
		return
	}
	c.metrics.MessagesSent.Inc()
	c.log.Debug(">>>", zap.ByteString("frame", data))
}

// Subscribe registers h for every inbound message. Handlers run on the read
// goroutine in arrival order; a slow handler delays every later message.
func (c *Client) Subscribe(h Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, fn: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnStateChange registers fn for link state changes.
func (c *Client) OnStateChange(fn func(State, error)) (cancel func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers = append(c.watchers, stateWatcher{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, w := range c.watchers {
			if w.id == id {
				c.watchers = append(c.watchers[:i:i], c.watchers[i+1:]...)
				return
			}
		}
	}
}

// WaitConnected blocks until the link is open or ctx ends. Messages sent
// before that are dropped, so callers that must not lose a frame wait here.
func (c *Client) WaitConnected(ctx context.Context) error {
	up := make(chan struct{})
	var once sync.Once
	cancel := c.OnStateChange(func(s State, _ error) {
		if s == StateConnected {
			once.Do(func() { close(up) })
		}
	})
	defer cancel()

	if s, _ := c.State(); s == StateConnected {
		return nil
	}
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current link state and the last transport error.
func (c *Client) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Close tears the channel down for identity loss: the pending reconnect is
// cancelled, the socket closed and every message handler dropped.
func (c *Client) Close() {
	c.mu.Lock()
	c.gen++
	c.identity = nil
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.subs = nil
	notify := c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeConn(conn)
	}
	notify()
}

func (c *Client) dial(gen uint64, id domain.Identity) {
	endpoint, err := URL(c.opts.BaseURL, c.opts.Secure, id.Token)
	var conn *websocket.Conn
	if err == nil {
		c.log.Info("connecting", zap.Stringer("user", id.ID))
		conn, _, err = c.opts.Dialer.Dial(endpoint, nil)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		notify := c.setStateLocked(StateError, err)
		c.scheduleReconnectLocked(gen)
		c.mu.Unlock()
		c.log.Warn("dial relay", zap.Error(err), zap.Duration("retry_in", c.opts.ReconnectDelay))
		notify()
		return
	}
	c.conn = conn
	notify := c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	c.log.Info("link established")
	conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	done := make(chan struct{})
	go c.readLoop(gen, conn, done)
	go c.pingLoop(conn, done)
	notify()
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(gen, conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.log.Debug("<<<", zap.ByteString("frame", data))

		msg, err := Decode(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, ErrUnknownType) {
				reason = "unknown_type"
			}
			c.metrics.MessagesRejected.WithLabelValues(reason).Inc()
			c.log.Warn("rejecting frame", zap.Error(err))
			continue
		}
		c.metrics.MessagesReceived.WithLabelValues(string(msg.Type())).Inc()
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("ping", zap.Error(err))
				return
			}
		}
	}
}

// dropped handles the end of a read loop. Closes we initiated have already
// bumped the generation and are ignored here.
func (c *Client) dropped(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	state, cause := StateDisconnected, error(nil)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		state, cause = StateError, err
	}
	notify := c.setStateLocked(state, cause)
	c.scheduleReconnectLocked(gen)
	c.mu.Unlock()

	conn.Close()
	c.log.Info("link severed, re-acquiring", zap.Error(err), zap.Duration("retry_in", c.opts.ReconnectDelay))
	notify()
}

func (c *Client) scheduleReconnectLocked(gen uint64) {
	c.stopTimerLocked()
	c.metrics.Reconnects.Inc()
	c.timer = time.AfterFunc(c.opts.ReconnectDelay, func() { c.reconnect(gen) })
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.identity == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.gen++
	next := c.gen
	id := *c.identity
	notify := c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	notify()
	c.dial(next, id)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) closeConn(conn *websocket.Conn) {
	if err := conn.Close(); err != nil {
		c.log.Debug("close socket", zap.Error(err))
	}
}

// setStateLocked records the new state and returns a func that notifies
// watchers; it must be invoked after c.mu is released.
func (c *Client) setStateLocked(s State, err error) func() {
	changed := c.state != s || c.lastErr != err
	c.state = s
	c.lastErr = err
	if !changed {
		return func() {}
	}
	c.recordState(s)
	watchers := make([]stateWatcher, len(c.watchers))
	copy(watchers, c.watchers)
	return func() {
		for _, w := range watchers {
			w.fn(s, err)
		}
	}
}

func (c *Client) recordState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		c.metrics.ChannelState.WithLabelValues(st.String()).Set(v)
	}
}
