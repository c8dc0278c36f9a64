package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 30 * time.Second
)

// ViewportFrame is what a renderer receives for one viewport.
type ViewportFrame struct {
	ViewportID          string                       `json:"viewportId"`
	DisplaySetReference *domain.DisplaySetReference  `json:"displaySetReference"`
	Layers              []domain.DisplaySetReference `json:"layers,omitempty"`
	ViewportOptions     domain.ViewportOptions       `json:"viewportOptions"`
	Unchanged           bool                         `json:"unchanged"`
}

// BindingFrame is one published layout. Renderers discard frames whose
// sequence is not greater than the last one applied.
type BindingFrame struct {
	SessionID  string          `json:"sessionId"`
	Sequence   uint64          `json:"sequence"`
	ProtocolID string          `json:"protocolId"`
	StageID    string          `json:"stageId"`
	Rows       int             `json:"rows"`
	Columns    int             `json:"columns"`
	Viewports  []ViewportFrame `json:"viewports"`
}

func newBindingFrame(sessionID string, seq uint64, result *domain.MatchResult) BindingFrame {
	frame := BindingFrame{
		SessionID:  sessionID,
		Sequence:   seq,
		ProtocolID: result.ProtocolID,
		StageID:    result.StageID,
		Rows:       result.Rows,
		Columns:    result.Columns,
		Viewports:  make([]ViewportFrame, len(result.Bindings)),
	}
	for i, b := range result.Bindings {
		frame.Viewports[i] = ViewportFrame{
			ViewportID:          b.ViewportID,
			DisplaySetReference: b.DisplaySetReference,
			Layers:              b.Layers,
			ViewportOptions:     b.ViewportOptions,
			Unchanged:           b.Unchanged,
		}
	}
	return frame
}

// subscriber holds at most one pending frame; a newer frame replaces an
// unsent older one.
type subscriber struct {
	pending chan BindingFrame
}

func (s *subscriber) offer(frame BindingFrame) {
	for {
		select {
		case s.pending <- frame:
			return
		default:
		}
		select {
		case <-s.pending:
		default:
		}
	}
}

type channel struct {
	sequence    uint64
	latest      *BindingFrame
	subscribers map[*subscriber]struct{}
}

// Hub publishes binding frames to websocket subscribers per session.
type Hub struct {
	mu         sync.Mutex
	channels   map[string]*channel
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	logger     *logrus.Logger
}

// NewHub creates a publisher hub.
func NewHub(pingPeriod time.Duration, logger *logrus.Logger) *Hub {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &Hub{
		channels:   make(map[string]*channel),
		pingPeriod: pingPeriod,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) channel(sessionID string) *channel {
	ch, ok := h.channels[sessionID]
	if !ok {
		ch = &channel{subscribers: make(map[*subscriber]struct{})}
		h.channels[sessionID] = ch
	}
	return ch
}

// Publish assigns the next sequence number for the session and delivers the
// frame to every subscriber. It returns the sequence used.
func (h *Hub) Publish(sessionID string, result *domain.MatchResult) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channel(sessionID)
	ch.sequence++
	frame := newBindingFrame(sessionID, ch.sequence, result)
	ch.latest = &frame
	for sub := range ch.subscribers {
		sub.offer(frame)
	}

	h.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"sequence":    frame.Sequence,
		"protocol_id": frame.ProtocolID,
		"stage_id":    frame.StageID,
		"subscribers": len(ch.subscribers),
	}).Debug("Published bindings")
	return frame.Sequence
}

// Latest returns the most recent frame published for a session.
func (h *Hub) Latest(sessionID string) (BindingFrame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[sessionID]
	if !ok || ch.latest == nil {
		return BindingFrame{}, false
	}
	return *ch.latest, true
}

// Forget drops a session channel. Connected subscribers stay attached until
// they disconnect.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, sessionID)
}

func (h *Hub) subscribe(sessionID string) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channel(sessionID)
	sub := &subscriber{pending: make(chan BindingFrame, 1)}
	ch.subscribers[sub] = struct{}{}
	if ch.latest != nil {
		sub.offer(*ch.latest)
	}
	return sub
}

func (h *Hub) unsubscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[sessionID]; ok {
		delete(ch.subscribers, sub)
	}
}

// ServeWS upgrades the request and streams frames for the session until the
// peer disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.subscribe(sessionID)
	defer h.unsubscribe(sessionID, sub)

	logger := h.logger.WithField("session_id", sessionID)
	logger.Info("Renderer subscribed")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(2 * h.pingPeriod))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * h.pingPeriod))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			logger.Info("Renderer disconnected")
			return
		case frame := <-sub.pending:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				logger.WithError(err).Warn("Failed to write frame")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ domain.BindingPublisher = (*Hub)(nil)
