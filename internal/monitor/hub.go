// Package monitor is the optional live observation surface for a running
// batch: an HTTP server with a progress endpoint and a websocket feed of
// job events.
package monitor

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/x121ai/podbatch/internal/model"
)

// Client is one connected websocket observer.
type Client struct {
	Conn *websocket.Conn
	Send chan []byte
}

// Hub fans job events out to every connected observer. It implements the
// executor's event sink, so a batch runs identically with zero observers.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu  sync.RWMutex
	log *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		log:        log,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("observer connected", "observers", h.count())

		case client := <-h.unregister:
			// Sole owner of close(Send): HandleConnection unregisters
			// exactly once, after its reader loop has stopped sending.
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			close(client.Send)
			h.log.Debug("observer disconnected", "observers", h.count())

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- msg:
				default:
					// Slow observer; drop it rather than stall the
					// batch. Closing the connection ends its reader,
					// which unregisters on the way out.
					delete(h.clients, client)
					if client.Conn != nil {
						client.Conn.Close()
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// send marshals and queues one event. Broadcasting never blocks the
// caller: a full queue drops the event.
func (h *Hub) send(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// JobProgress broadcasts generation step progress.
func (h *Hub) JobProgress(job model.Job, value, max int) {
	h.send(model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		Identity: job.Identity(),
		Value:    value,
		Max:      max,
	})
}

// JobCompleted broadcasts a finished job and its saved files.
func (h *Hub) JobCompleted(job model.Job, files []string, duration time.Duration) {
	h.send(model.WSCompletedMessage{
		Type:     model.WSMessageTypeCompleted,
		Identity: job.Identity(),
		Files:    files,
		Duration: duration.Seconds(),
	})
}

// JobFailed broadcasts a job that reached a terminal failure.
func (h *Hub) JobFailed(job model.Job, err error) {
	h.send(model.WSFailedMessage{
		Type:     model.WSMessageTypeFailed,
		Identity: job.Identity(),
		Error: model.WSError{
			Code:    "JOB_FAILED",
			Message: err.Error(),
		},
	})
}

// HandleConnection serves one observer connection until it closes.
func (h *Hub) HandleConnection(c *websocket.Conn) {
	client := &Client{
		Conn: c,
		Send: make(chan []byte, 256),
	}
	h.register <- client
	defer func() { h.unregister <- client }()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket error", "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			default:
			}
		}
	}
}
