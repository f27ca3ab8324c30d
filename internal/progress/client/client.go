// Package client keeps a progress subscription alive across transport drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"storyforge/internal/metrics"
	"storyforge/internal/progress"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = time.Second
	defaultMaxReconnectDelay    = 30 * time.Second
)

// ErrNormalClosure is wrapped by Conn.ReadMessage when the peer closed the
// connection with a normal close handshake.
var ErrNormalClosure = errors.New("connection closed normally")

// Conn is one open transport connection.
type Conn interface {
	// ReadMessage blocks until a frame arrives or the connection drops.
	ReadMessage() ([]byte, error)
	WriteMessage(raw []byte) error
	Close() error
}

// Dialer opens a connection to a session's progress feed.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules reconnect timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Client subscribes to one session's progress feed and reconnects with
// exponential backoff until it gives up or is disconnected manually.
type Client struct {
	sessionID string
	dialer    Dialer
	clock     Clock
	logger    *zap.Logger
	policy    policy
	autoConn  bool
	onEvent   func(progress.Event)
	onStatus  func(Status)
	spawn     func(func())

	mu      sync.Mutex
	m       machine
	gen     uint64
	conn    Conn
	timer   Timer
	timerID uint64
	latest  *progress.Event

	writeMu sync.Mutex
}

type Option func(*Client)

// WithAutoConnect controls whether New starts connecting immediately (default true).
func WithAutoConnect(on bool) Option {
	return func(c *Client) { c.autoConn = on }
}

// WithAutoReconnect controls whether drops schedule reconnects (default true).
func WithAutoReconnect(on bool) Option {
	return func(c *Client) { c.policy.autoReconnect = on }
}

func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.policy.maxAttempts = n
		}
	}
}

// WithReconnectDelay sets the base backoff delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.policy.baseDelay = d
		}
	}
}

func WithMaxReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.policy.maxDelay = d
		}
	}
}

func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEventHandler registers a callback for every decoded event. It runs on
// the read goroutine and must not block for long.
func WithEventHandler(fn func(progress.Event)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// WithStatusHandler registers a callback for state changes.
func WithStatusHandler(fn func(Status)) Option {
	return func(c *Client) { c.onStatus = fn }
}

// New builds a client for sessionID. Unless WithAutoConnect(false) is given it
// moves to StateConnecting before returning.
func New(sessionID string, dialer Dialer, opts ...Option) *Client {
	c := &Client{
		sessionID: sessionID,
		dialer:    dialer,
		clock:     realClock{},
		logger:    zap.NewNop(),
		autoConn:  true,
		policy: policy{
			autoReconnect: true,
			maxAttempts:   defaultMaxReconnectAttempts,
			baseDelay:     defaultReconnectDelay,
			maxDelay:      defaultMaxReconnectDelay,
		},
		spawn: func(f func()) { go f() },
		m:     machine{state: StateIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.policy.maxDelay < c.policy.baseDelay {
		c.policy.maxDelay = c.policy.baseDelay
	}
	c.logger = c.logger.With(zap.String("session_id", sessionID))
	if c.autoConn {
		c.Connect()
	}
	return c
}

// Status returns the current connectivity state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.status()
}

func (c *Client) State() State { return c.Status().State }

// Attempts is the number of reconnects scheduled since the last successful open.
func (c *Client) Attempts() int { return c.Status().Attempt }

// Connected reports whether the transport is open.
func (c *Client) Connected() bool {
	return c.Status().State == StateOpen
}

// Latest returns the most recent non-heartbeat event, including the one
// carried by a Connected snapshot.
func (c *Client) Latest() (progress.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return progress.Event{}, false
	}
	return *c.latest, true
}

// Connect clears a previous manual disconnect and dials if not already
// connecting or open.
func (c *Client) Connect() {
	c.mu.Lock()
	c.apply(input{kind: inputConnect})
}

// Disconnect closes the transport and cancels any pending reconnect. No
// reconnect happens until Connect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.apply(input{kind: inputDisconnect})
}

// Send writes v as JSON. It returns false, without error, when the transport
// is not open or the write fails.
func (c *Client) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.m.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		c.logger.Warn("progress client send while not open")
		return false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("progress client could not encode message", zap.Error(err))
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(raw); err != nil {
		c.logger.Warn("progress client write failed", zap.Error(err))
		return false
	}
	return true
}

// apply runs one transition. It must be called with c.mu held and releases it.
func (c *Client) apply(in input) {
	prev := c.m.status()
	next, effects := transition(c.m, in, c.policy)
	c.m = next

	var (
		dialGen   uint64
		dial      bool
		closeConn Conn
	)
	for _, eff := range effects {
		switch eff.kind {
		case effectCancelTimer:
			if c.timer != nil {
				c.timer.Stop()
				c.timer = nil
			}
		case effectScheduleReconnect:
			c.timerID++
			id := c.timerID
			c.timer = c.clock.AfterFunc(eff.delay, func() { c.fire(id) })
			metrics.ClientReconnects.Inc()
			c.logger.Info("progress client reconnect scheduled",
				zap.Duration("delay", eff.delay),
				zap.Int("attempt", c.m.attempt),
			)
		case effectCloseConn:
			c.gen++
			closeConn = c.conn
			c.conn = nil
		case effectDial:
			c.gen++
			dialGen = c.gen
			dial = true
		case effectGiveUp:
			c.logger.Info("progress client giving up", zap.Int("attempts", c.m.attempt))
		}
	}
	status := c.m.status()
	c.mu.Unlock()

	if closeConn != nil {
		_ = closeConn.Close()
	}
	if status != prev && c.onStatus != nil {
		c.onStatus(status)
	}
	if dial {
		c.spawn(func() { c.dial(dialGen) })
	}
}

func (c *Client) fire(id uint64) {
	c.mu.Lock()
	if id != c.timerID || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.apply(input{kind: inputTimerFired})
}

func (c *Client) dial(gen uint64) {
	conn, err := c.dialer.Dial(context.Background(), c.sessionID)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Debug("progress client dial failed", zap.Error(err))
		c.apply(input{kind: inputClosed})
		return
	}
	c.conn = conn
	c.apply(input{kind: inputOpened})
	go c.read(conn, gen)
}

func (c *Client) read(conn Conn, gen uint64) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			c.dropped(gen, err)
			return
		}
		c.deliver(gen, raw)
	}
}

func (c *Client) deliver(gen uint64, raw []byte) {
	ev, err := progress.Unmarshal(raw)
	if err != nil {
		c.logger.Warn("progress client ignoring malformed frame", zap.Error(err))
		return
	}
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	switch {
	case ev.Kind == progress.KindConnected:
		if ev.Last != nil {
			last := *ev.Last
			c.latest = &last
		}
	case ev.Kind != progress.KindHeartbeat:
		latest := ev
		c.latest = &latest
	}
	c.mu.Unlock()
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Client) dropped(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	clean := errors.Is(err, ErrNormalClosure)
	if !clean {
		c.logger.Debug("progress client connection dropped", zap.Error(err))
	}
	c.apply(input{kind: inputClosed, clean: clean})
	if conn != nil {
		_ = conn.Close()
	}
}
