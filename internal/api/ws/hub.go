package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/internal/observability"
	"github.com/your-org/platelog/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 10 * time.Second

// Client represents a connected WebSocket client.
type Client struct {
	conn  *websocket.Conn
	send  chan []byte
	plate string // optional plate_text substring filter, upper-case
}

func (c *Client) accepts(m message) bool {
	return c.plate == "" || strings.Contains(m.plate, c.plate)
}

type message struct {
	data  []byte
	plate string
}

// Hub maintains active WebSocket clients and broadcasts vehicle log events.
// The client set is owned by the Run goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int64
	loc        *time.Location
}

// NewHub creates a hub. Event timestamps are rendered in loc.
func NewHub(loc *time.Location) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		loc:        loc,
	}
}

// Run starts the hub event loop and returns when ctx is cancelled, closing
// every client. Call this in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Add(1)
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "filter", client.plate)

		case client := <-h.unregister:
			h.remove(client)

		case m := <-h.broadcast:
			for client := range h.clients {
				if !client.accepts(m) {
					continue
				}
				select {
				case client.send <- m.data:
				default:
					slog.Warn("ws client too slow, disconnecting")
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.count.Add(-1)
	observability.WSConnections.Dec()
	slog.Debug("ws client disconnected")
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// BroadcastEvent queues an event for all matching clients. It never blocks;
// events are dropped when the queue is full.
func (h *Hub) BroadcastEvent(event *dto.WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal ws event", "error", err)
		return
	}

	var plate string
	if event.Data.PlateText != nil {
		plate = *event.Data.PlateText
	}

	select {
	case h.broadcast <- message{data: data, plate: plate}:
	default:
		slog.Warn("ws broadcast queue full, dropping event", "type", event.Type)
	}
}

// HandleVehicleLogEvent decodes an event from the events stream and
// broadcasts it.
func (h *Hub) HandleVehicleLogEvent(data []byte) error {
	var ev models.VehicleLogEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("unmarshal vehicle log event: %w", err)
	}
	if ev.VehicleLog == nil {
		return fmt.Errorf("vehicle log event without log")
	}

	h.BroadcastEvent(&dto.WSEvent{
		Type:    ev.Type,
		AlarmID: ev.AlarmID,
		Data:    dto.NewVehicleLogResponse(*ev.VehicleLog, h.loc),
	})
	return nil
}

// HandleWS handles WebSocket upgrade requests. ?plate= restricts delivery
// to events whose plate text contains the value.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:  conn,
		send:  make(chan []byte, 64),
		plate: strings.ToUpper(strings.TrimSpace(c.Query("plate"))),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump only detects disconnection; clients send nothing.
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
