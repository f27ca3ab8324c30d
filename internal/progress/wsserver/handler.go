// Package wsserver streams a session's progress feed over a websocket.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storyforge/internal/progress"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingEvery        = (pongWait * 9) / 10
	defaultHeartbeat = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Subscriber is the part of the broker the handler needs.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan progress.Event, func())
}

// Handler serves GET /ws/progress?session_id=.
type Handler struct {
	feeds     Subscriber
	heartbeat time.Duration
	logger    *zap.Logger
}

type Option func(*Handler)

// WithHeartbeat sets how often an idle connection gets a heartbeat frame.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(feeds Subscriber, opts ...Option) *Handler {
	h := &Handler{feeds: feeds, heartbeat: defaultHeartbeat, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type inbound struct {
	Type string `json:"type"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("progress ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("session_id", sessionID))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warn("progress ws set read deadline failed", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	events, unsubscribe := h.feeds.Subscribe(ctx, sessionID)
	defer unsubscribe()

	pings := make(chan struct{}, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer func() {
			cancel()
			_ = conn.Close()
		}()
		h.write(ctx, conn, sessionID, events, pings, logger)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			cancel()
			<-writerDone
			return
		}
		var in inbound
		if json.Unmarshal(raw, &in) != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(in.Type), "ping") {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	}
}

// write owns every write to conn. It returns when ctx ends, the feed is
// closed, or a write fails.
func (h *Handler) write(ctx context.Context, conn *websocket.Conn, sessionID string, events <-chan progress.Event, pings <-chan struct{}, logger *zap.Logger) {
	pingTicker := time.NewTicker(pingEvery)
	defer pingTicker.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	send := func(ev progress.Event) bool {
		raw, err := progress.Marshal(ev)
		if err != nil {
			logger.Warn("progress ws encode failed", zap.Error(err))
			return true
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		return conn.WriteMessage(websocket.TextMessage, raw) == nil
	}
	beat := func() bool {
		return send(progress.Event{SessionID: sessionID, Kind: progress.KindHeartbeat, At: time.Now()})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Feed detached (slow subscriber or purged session); let the client reconnect.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(writeWait))
				return
			}
			if !send(ev) {
				return
			}
		case <-pings:
			if !beat() {
				return
			}
		case <-heartbeat.C:
			if !beat() {
				return
			}
		case <-pingTicker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
