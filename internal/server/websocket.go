package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/service"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 64
)

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ProgressMessage is pushed to every websocket client for each recorder event
type ProgressMessage struct {
	Type      string `json:"type"` // "progress", "started", "paused", "stopped", "error"
	Status    string `json:"status"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Amplitude int    `json:"amplitude,omitempty"`
	Active    bool   `json:"active,omitempty"`
	File      string `json:"file,omitempty"`
	Error     string `json:"error,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// progressHub fans recorder events out to websocket clients. It is
// registered as a listener on the AppRecorder.
type progressHub struct {
	service.NopListener

	status func() service.RecordingStatus

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newProgressHub(status func() service.RecordingStatus) *progressHub {
	return &progressHub{
		status:  status,
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *progressHub) OnRecordingStarted() {
	h.broadcast(ProgressMessage{Type: "started"})
}

func (h *progressHub) OnRecordingPaused() {
	h.broadcast(ProgressMessage{Type: "paused"})
}

func (h *progressHub) OnRecordingStopped(file string) {
	h.broadcast(ProgressMessage{Type: "stopped", File: filepath.Base(file)})
}

func (h *progressHub) OnProgress(elapsed time.Duration, amplitude int, active bool) {
	h.broadcast(ProgressMessage{
		Type:      "progress",
		ElapsedMs: elapsed.Milliseconds(),
		Amplitude: amplitude,
		Active:    active,
	})
}

func (h *progressHub) OnError(err error) {
	h.broadcast(ProgressMessage{Type: "error", Error: err.Error()})
}

// broadcast never blocks: a client whose buffer is full misses the message.
func (h *progressHub) broadcast(msg ProgressMessage) {
	msg.Status = string(h.status())
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode progress message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Debug("Dropping progress message for slow client", "remote", c.conn.RemoteAddr())
		}
	}
}

func (h *progressHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *progressHub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *progressHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

func (h *progressHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// serveWS upgrades the request and streams progress messages until the
// client disconnects.
func (h *progressHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}
	h.register(c)
	slog.Debug("Progress client connected", "remote", conn.RemoteAddr())

	go h.writeLoop(c)

	// Incoming messages are ignored; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Progress client read error", "error", err)
			}
			break
		}
	}

	h.unregister(c)
	slog.Debug("Progress client disconnected", "remote", conn.RemoteAddr())
}

func (h *progressHub) writeLoop(c *wsClient) {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("Progress client write error", "error", err)
			h.unregister(c)
			// drain until unregister closes the channel
			for range c.send {
			}
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
