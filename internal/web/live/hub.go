// Package live streams recorded sync history entries to websocket clients.
package live

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/database"
)

// EventType is the type of a live message.
type EventType string

const (
	EventConnected EventType = "connected"
	EventSync      EventType = "sync"
	EventHeartbeat EventType = "heartbeat"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4 * 1024
	heartbeatInterval = 30 * time.Second
	clientBuffer      = 32
)

// Event is a message sent to clients.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type client struct {
	id       string
	conn     *websocket.Conn
	messages chan []byte
}

// Hub manages websocket clients and fans out events to them.
type Hub struct {
	clients    map[string]*client
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub creates a hub and starts its event loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 100),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.messages)
			}
			h.clients = make(map[string]*client)
			h.mu.Unlock()
			log.Debug().Msg("Live hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Str("client_id", c.id).Int("total_clients", total).Msg("Live client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.messages)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Str("client_id", c.id).Int("total_clients", total).Msg("Live client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Msg("Failed to marshal live event")
				continue
			}

			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.messages <- data:
				default:
					log.Warn().Str("client_id", c.id).Msg("Live client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()

		case <-heartbeat.C:
			h.Publish(Event{Type: EventHeartbeat, Data: map[string]any{"time": time.Now().Unix()}})
		}
	}
}

// Publish queues an event for all clients.
func (h *Hub) Publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("Live broadcast channel full, dropping event")
	}
}

// Broadcast publishes a recorded history entry.
func (h *Hub) Broadcast(entry *database.HistoryEntry) {
	h.Publish(Event{Type: EventSync, Data: entry})
}

// Stop disconnects all clients and stops the hub.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams events until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		messages: make(chan []byte, clientBuffer),
	}

	// Queued before registering; once registered the hub owns closing the channel.
	hello, _ := json.Marshal(Event{Type: EventConnected, Data: map[string]any{"client_id": c.id, "time": time.Now().Unix()}})
	c.messages <- hello

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.id).Msg("Unexpected websocket close")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.messages:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
