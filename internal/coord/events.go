package coord

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event types published on the admin event feed.
const (
	EventPeerRegistered       = "peer_registered"
	EventPeerDeregistered     = "peer_deregistered"
	EventPeerFailed           = "peer_failed"
	EventPlanCreated          = "plan_created"
	EventBackupDone           = "backup_done"
	EventRestoreReported      = "restore_reported"
	EventReplicationScheduled = "replication_scheduled"
	EventReplicationDone      = "replication_done"
	EventChunkLost            = "chunk_lost"
)

// Event is one entry on the admin event feed.
type Event struct {
	Type   string            `json:"type"`
	Time   time.Time         `json:"time"`
	Peer   string            `json:"peer,omitempty"`
	File   string            `json:"file,omitempty"`
	Chunk  *int              `json:"chunk,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// eventClient is one connected websocket subscriber.
type eventClient struct {
	events chan []byte
}

// eventHub fans events out to websocket subscribers.
type eventHub struct {
	clients map[*eventClient]bool
	closed  bool
	mu      sync.RWMutex
	logger  zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // The admin listener is bound to loopback by default
	},
}

func newEventHub(logger zerolog.Logger) *eventHub {
	return &eventHub{
		clients: make(map[*eventClient]bool),
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

func (h *eventHub) register(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client.events)
		return
	}
	h.clients[client] = true
	h.logger.Debug().Int("clients", len(h.clients)).Msg("event subscriber connected")
}

func (h *eventHub) unregister(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.events)
		h.logger.Debug().Int("clients", len(h.clients)).Msg("event subscriber disconnected")
	}
}

// close disconnects every subscriber and refuses new ones.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.events)
	}
	h.logger.Debug().Msg("event hub closed")
}

// publish sends an event to every subscriber. Slow subscribers miss events.
func (h *eventHub) publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.events <- data:
		default:
			h.logger.Debug().Str("type", ev.Type).Msg("event subscriber buffer full, skipping event")
		}
	}
}

func (h *eventHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleEvents upgrades to a websocket and streams events until the client goes away.
func (h *eventHub) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("event websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	client := &eventClient{events: make(chan []byte, 32)}
	h.register(client)
	defer h.unregister(client)

	// Reader goroutine only exists to notice the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case data, ok := <-client.events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "coordinator stopping"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func chunkPtr(id int) *int {
	return &id
}
