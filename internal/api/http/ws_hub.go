package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"magnetstream/internal/domain"
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans progress events and stats snapshots out to websocket clients. It
// implements ports.ProgressSink.
type Hub struct {
	clients    map[*wsClient]bool
	count      atomic.Int64
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves the hub until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				if client.conn != nil {
					_ = client.conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(2*time.Second),
					)
				}
				h.drop(client)
			}
			h.logger.Debug("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("ws client connected", slog.Int("total", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow consumer; it reconnects and resyncs from the next snapshot.
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	close(client.send)
	delete(h.clients, client)
	h.count.Store(int64(len(h.clients)))
}

// Close disconnects every client and stops Run. Safe to call more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// PublishProgress forwards an acquisition progress event.
func (h *Hub) PublishProgress(ev domain.ProgressEvent) {
	h.Broadcast("progress", ev)
}

// BroadcastStats sends the periodic per-swarm stats snapshot.
func (h *Hub) BroadcastStats(stats []domain.TorrentStats) {
	h.Broadcast("stats", stats)
}

// Broadcast sends a typed JSON message to all connected clients. Messages are
// dropped when nobody is connected or the hub is backed up.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	if h.ClientCount() == 0 {
		return
	}
	payload, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
