package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"anon-chat/internal/models"
	"anon-chat/internal/observability"
)

const writeWait = 5 * time.Second

// EventAppend tells watchers that a conversation has new envelopes.
const EventAppend = "append"

// frameWriter is the part of a websocket connection the hub writes to.
type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Watcher is one registered connection. Nudges are queued on send and
// written by the watcher's own goroutine, so a stalled peer only delays
// itself.
type Watcher struct {
	conn frameWriter
	info ConnInfo
	send chan []byte
	done chan struct{}
	stop sync.Once
}

func (w *Watcher) write(payload []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// nudge queues payload unless a nudge is already pending; one queued nudge
// covers any number of appends.
func (w *Watcher) nudge(payload []byte) {
	select {
	case w.send <- payload:
	default:
	}
}

func (w *Watcher) close() {
	w.stop.Do(func() { close(w.done) })
}

// Hub maintains watchers per conversation. It only ever sends nudges, never
// envelope content.
type Hub struct {
	rooms map[string]map[*Watcher]struct{}
	mu    sync.RWMutex
	log   *logrus.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		rooms: make(map[string]map[*Watcher]struct{}),
		log:   logger,
	}
}

// Add registers a websocket connection watching a conversation.
func (h *Hub) Add(conversationID string, conn *websocket.Conn, info ConnInfo) *Watcher {
	if conn == nil {
		// a nil *websocket.Conn must stay a nil frameWriter
		return h.add(conversationID, nil, info)
	}
	return h.add(conversationID, conn, info)
}

func (h *Hub) add(conversationID string, conn frameWriter, info ConnInfo) *Watcher {
	cl := &Watcher{conn: conn, info: info, send: make(chan []byte, 1), done: make(chan struct{})}
	h.mu.Lock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*Watcher]struct{})
	}
	h.rooms[conversationID][cl] = struct{}{}
	h.mu.Unlock()

	if conn != nil {
		go h.pump(conversationID, cl)
	}
	return cl
}

// pump writes queued nudges until the watcher is removed or a write fails.
func (h *Hub) pump(conversationID string, cl *Watcher) {
	for {
		select {
		case <-cl.done:
			return
		case payload := <-cl.send:
			if err := cl.write(payload); err != nil {
				h.log.WithError(err).WithFields(logrus.Fields{
					"conn_id":     cl.info.ConnID,
					"duration_ms": time.Since(cl.info.ConnectedAt).Milliseconds(),
				}).Warn("websocket write error")
				_ = cl.conn.Close()
				h.Remove(conversationID, cl)
				observability.IncWSEvent("ws_error")
				return
			}
		}
	}
}

// Remove unregisters a watcher.
func (h *Hub) Remove(conversationID string, cl *Watcher) {
	cl.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[conversationID]; ok {
		delete(clients, cl)
		if len(clients) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// Watchers returns the number of connections watching a conversation.
func (h *Hub) Watchers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Notify nudges every watcher of the conversation to poll now. It never
// waits on a connection.
func (h *Hub) Notify(conversationID string) {
	h.mu.RLock()
	clients := make([]*Watcher, 0, len(h.rooms[conversationID]))
	for cl := range h.rooms[conversationID] {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	payload, _ := json.Marshal(models.PushEvent{Type: EventAppend, Conversation: conversationID})
	for _, cl := range clients {
		cl.nudge(payload)
	}
}
