package progress

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"storyforge/internal/metrics"
)

const (
	defaultRetained        = 16
	defaultSubscriberQueue = 64
	// completedRunRetention is how long a read terminal event stays queryable.
	completedRunRetention = 30 * time.Second
)

// Broker fans progress events out to per-session subscribers and retains the
// most recent events so late joiners learn the current state.
type Broker struct {
	mu        sync.Mutex
	sessions  map[string]*sessionFeed
	nextSubID uint64

	retained  int
	queueSize int
	retention time.Duration
	logger    *zap.Logger
	clock     func() time.Time
}

type sessionFeed struct {
	history      []Event
	subs         map[uint64]*subscriber
	terminalAt   time.Time
	terminalRead bool
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Option customizes broker construction.
type Option func(*Broker)

// WithRetained sets how many recent events are kept per session (minimum 1).
func WithRetained(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.retained = n
		}
	}
}

// WithSubscriberQueue sets each subscriber's buffer size.
func WithSubscriberQueue(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithRetention sets how long a terminal session survives after it was read.
func WithRetention(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.retention = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock allows tests to control retention timing.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		sessions:  make(map[string]*sessionFeed),
		retained:  defaultRetained,
		queueSize: defaultSubscriberQueue,
		retention: completedRunRetention,
		logger:    zap.NewNop(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Broker) feed(sessionID string) *sessionFeed {
	f, ok := b.sessions[sessionID]
	if !ok {
		f = &sessionFeed{subs: make(map[uint64]*subscriber)}
		b.sessions[sessionID] = f
	}
	return f
}

// Publish retains ev and delivers it to every subscriber attached to its
// session. Delivery never blocks: a subscriber whose queue is full is detached.
func (b *Broker) Publish(sessionID string, ev Event) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	ev.SessionID = sessionID
	if ev.At.IsZero() {
		ev.At = b.clock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.feed(sessionID)
	if ev.Kind != KindHeartbeat {
		f.history = append(f.history, ev.clone())
		if over := len(f.history) - b.retained; over > 0 {
			f.history = append(f.history[:0:0], f.history[over:]...)
		}
		if ev.Kind.Terminal() {
			f.terminalAt = b.clock()
			f.terminalRead = false
		}
	}
	metrics.ProgressEventsPublished.WithLabelValues(string(ev.Kind)).Inc()

	for id, sub := range f.subs {
		select {
		case sub.ch <- ev.clone():
			if ev.Kind.Terminal() {
				f.terminalRead = true
			}
		default:
			b.logger.Warn("dropping slow progress subscriber",
				zap.String("session_id", sessionID),
				zap.Uint64("subscriber", id),
			)
			metrics.SlowSubscribersDropped.Inc()
			b.detachLocked(f, id)
		}
	}
}

// Subscribe attaches to a session's feed. The first event delivered is a
// synthetic Connected event carrying the latest retained event, if any.
// The returned cancel func detaches; it is also called when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	sub := &subscriber{ch: make(chan Event, b.queueSize+1)}

	b.mu.Lock()
	f := b.feed(sessionID)
	b.nextSubID++
	id := b.nextSubID
	connected := Event{SessionID: sessionID, Kind: KindConnected, At: b.clock()}
	if n := len(f.history); n > 0 {
		last := f.history[n-1].clone()
		connected.Last = &last
		if last.Kind.Terminal() {
			f.terminalRead = true
		}
	}
	sub.ch <- connected
	f.subs[id] = sub
	b.mu.Unlock()
	metrics.ProgressSubscribers.Inc()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			b.mu.Lock()
			if f, ok := b.sessions[sessionID]; ok {
				b.detachLocked(f, id)
				if f.idle() {
					delete(b.sessions, sessionID)
				}
			}
			b.mu.Unlock()
		})
	}
	stop := func() bool { return false }
	if ctx != nil {
		stop = context.AfterFunc(ctx, detach)
	}
	return sub.ch, func() {
		stop()
		detach()
	}
}

func (b *Broker) detachLocked(f *sessionFeed, id uint64) {
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	delete(f.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	metrics.ProgressSubscribers.Dec()
}

// idle reports whether a feed holds nothing worth keeping, as left behind by
// subscribers of sessions that never published.
func (f *sessionFeed) idle() bool {
	return len(f.history) == 0 && len(f.subs) == 0
}

// Last returns the latest retained event for a session. Reading a terminal
// event marks it as observed, which makes the session eligible for Sweep.
func (b *Broker) Last(sessionID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.sessions[strings.TrimSpace(sessionID)]
	if !ok || len(f.history) == 0 {
		return Event{}, false
	}
	last := f.history[len(f.history)-1]
	if last.Kind.Terminal() {
		f.terminalRead = true
	}
	return last.clone(), true
}

// History returns the retained events for a session, oldest first.
func (b *Broker) History(sessionID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil
	}
	out := make([]Event, len(f.history))
	for i, ev := range f.history {
		out[i] = ev.clone()
	}
	return out
}

// Subscribers reports how many subscribers are attached to a session.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.sessions[strings.TrimSpace(sessionID)]; ok {
		return len(f.subs)
	}
	return 0
}

// Forget drops a session's feed and detaches its subscribers.
func (b *Broker) Forget(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for id := range f.subs {
		b.detachLocked(f, id)
	}
	delete(b.sessions, sessionID)
}

// Sweep removes unsubscribed terminal sessions once their final event has
// been observed and the retention window has passed, along with idle feeds.
// It returns the number of sessions removed.
func (b *Broker) Sweep() int {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, f := range b.sessions {
		if f.idle() {
			delete(b.sessions, id)
			removed++
			continue
		}
		if f.terminalAt.IsZero() || !f.terminalRead || len(f.subs) > 0 {
			continue
		}
		if now.Sub(f.terminalAt) < b.retention {
			continue
		}
		delete(b.sessions, id)
		removed++
	}
	return removed
}

// RunJanitor calls Sweep every interval until ctx is done.
func (b *Broker) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = b.retention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.logger.Debug("swept finished progress feeds", zap.Int("count", n))
			}
		}
	}
}
