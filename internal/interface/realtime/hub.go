// Package realtime fans live session snapshots out to dashboard WebSocket
// subscribers. Delivery is best-effort: a subscriber that cannot keep up
// loses the oldest queued frames, never blocks the engine.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// FRAMES
// ══════════════════════════════════════════════════════════════════════════════

// Frame is one message pushed to a subscriber.
type Frame struct {
	// Type distinguishes the initial snapshot from incremental updates.
	Type string `json:"type"` // "snapshot" or "update"

	// Event names the domain event that produced an update frame.
	Event string `json:"event,omitempty"`

	// Session is the full session state after the event. Dashboards render
	// from the whole snapshot, so a lost frame is healed by the next one.
	Session session.Snapshot `json:"session"`

	At time.Time `json:"at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HUB
// ══════════════════════════════════════════════════════════════════════════════

// Config tunes the hub.
type Config struct {
	// QueueSize bounds each subscriber's frame queue.
	QueueSize int

	// WriteDeadline bounds one frame write.
	WriteDeadline time.Duration

	// PingInterval keeps idle connections alive.
	PingInterval time.Duration

	// CheckOrigin relaxes the upgrader's origin check; campus dashboards
	// are served from a different host than the engine.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// DefaultConfig returns default hub configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:     64,
		WriteDeadline: 10 * time.Second,
		PingInterval:  30 * time.Second,
	}
}

// Hub routes session frames to per-classroom subscriber sets. It implements
// the engine's snapshot sink.
type Hub struct {
	config Config
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	rooms  map[string]map[*subscriber]struct{}
	all    map[*subscriber]struct{} // firehose subscribers (admin overview)
	closed bool
}

// NewHub creates a hub.
func NewHub(config Config, logger *slog.Logger) *Hub {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.WriteDeadline <= 0 {
		config.WriteDeadline = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Hub{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		rooms: make(map[string]map[*subscriber]struct{}),
		all:   make(map[*subscriber]struct{}),
	}
}

// Publish implements the engine snapshot sink. Called from session actor
// goroutines; must never block.
func (h *Hub) Publish(snap session.Snapshot, event shared.Event) {
	frame := Frame{
		Type:    "update",
		Event:   string(event.EventType()),
		Session: snap,
		At:      event.OccurredAt(),
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("frame marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[snap.ClassroomID] {
		sub.offer(payload)
	}
	for sub := range h.all {
		sub.offer(payload)
	}
}

// Serve upgrades one HTTP request into a subscription. classroomID empty
// subscribes to every room. The initial snapshots are queued before any
// update so the client never renders from nothing.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, classroomID string, initial []session.Snapshot) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn:  conn,
		queue: make(chan []byte, h.config.QueueSize),
		done:  make(chan struct{}),
	}

	for _, snap := range initial {
		frame := Frame{Type: "snapshot", Session: snap, At: time.Now()}
		if payload, err := json.Marshal(frame); err == nil {
			sub.offer(payload)
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if classroomID == "" {
		h.all[sub] = struct{}{}
	} else {
		if h.rooms[classroomID] == nil {
			h.rooms[classroomID] = make(map[*subscriber]struct{})
		}
		h.rooms[classroomID][sub] = struct{}{}
	}
	h.mu.Unlock()

	h.logger.Debug("subscriber connected", "classroom_id", classroomID, "remote", r.RemoteAddr)

	go sub.writePump(h.config.WriteDeadline, h.config.PingInterval)
	go func() {
		sub.readPump()
		h.remove(sub, classroomID)
	}()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.all)
	for _, subs := range h.rooms {
		n += len(subs)
	}
	return n
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*subscriber
	for sub := range h.all {
		subs = append(subs, sub)
	}
	for _, room := range h.rooms {
		for sub := range room {
			subs = append(subs, sub)
		}
	}
	h.all = make(map[*subscriber]struct{})
	h.rooms = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) remove(sub *subscriber, classroomID string) {
	h.mu.Lock()
	if classroomID == "" {
		delete(h.all, sub)
	} else if room, ok := h.rooms[classroomID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, classroomID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIBER
// ══════════════════════════════════════════════════════════════════════════════

type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	dropped int
}

// offer enqueues one frame without blocking. On a full queue the oldest
// frame is discarded; every frame carries the full snapshot, so the newest
// frame alone is a complete picture.
func (s *subscriber) offer(payload []byte) {
	for {
		select {
		case s.queue <- payload:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.queue:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
	}
}

func (s *subscriber) writePump(writeDeadline, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case payload := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

// readPump drains the connection. Dashboards only listen; reads exist to
// notice disconnects and answer pings.
func (s *subscriber) readPump() {
	defer s.conn.Close()
	s.conn.SetReadLimit(512)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
