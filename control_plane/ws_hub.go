package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway terminates auth; origin checks happen there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub fans lifecycle events out to websocket subscribers. Clients
// may filter to a single evaluation id via the eval_id query parameter.
type EventHub struct {
	bus events.Bus

	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	evalID string
}

func NewEventHub(bus events.Bus) *EventHub {
	return &EventHub{bus: bus, clients: make(map[*wsClient]bool)}
}

// Run consumes the bus and broadcasts until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	ch, stop, err := h.bus.Subscribe(ctx)
	if err != nil {
		log.Printf("Event hub: subscribe: %v", err)
		return
	}
	defer stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (h *EventHub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.evalID != "" && c.evalID != ev.EvalID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow consumer; drop it rather than let it stall the hub.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *EventHub) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Event hub: upgrade: %v", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 64),
		evalID: r.URL.Query().Get("eval_id"),
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound frames and detects disconnects.
func (h *EventHub) readLoop(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(c *wsClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
