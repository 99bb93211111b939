package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/notify"
)

// EventHub fans marketplace events out to streaming clients over
// Server-Sent Events or WebSocket. It implements notify.Notifier; Emit
// never blocks, and a client that falls behind loses events.
type EventHub struct {
	config EventHubConfig
	logger *logging.Logger

	upgrader websocket.Upgrader

	done   chan struct{}
	mu     sync.Mutex
	closed bool

	clients   map[uint64]*client
	clientsMu sync.RWMutex
	nextID    atomic.Uint64
	dropped   atomic.Uint64
}

// EventHubConfig configures an EventHub.
type EventHubConfig struct {
	// ClientBuffer is the per-client queue length. Default: 100
	ClientBuffer int

	// HeartbeatInterval sends SSE comments or WebSocket pings as
	// keepalive (0 = disabled).
	HeartbeatInterval time.Duration

	// WriteTimeout bounds each WebSocket write. Default: 10s
	WriteTimeout time.Duration

	Logger *logging.Logger
}

type client struct {
	ch    chan []byte
	kinds map[notify.Kind]bool
}

func (c *client) wants(kind notify.Kind) bool {
	return len(c.kinds) == 0 || c.kinds[kind]
}

// DefaultEventHubConfig returns configuration with sensible defaults.
func DefaultEventHubConfig() EventHubConfig {
	return EventHubConfig{
		ClientBuffer:      100,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// NewEventHub creates a hub.
func NewEventHub(cfg EventHubConfig) *EventHub {
	defaults := DefaultEventHubConfig()
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = defaults.ClientBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &EventHub{
		config: cfg,
		logger: logger.WithComponent("events"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Events carry no per-caller data, so any origin may listen.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done:    make(chan struct{}),
		clients: make(map[uint64]*client),
	}
}

// Emit implements notify.Notifier.
func (h *EventHub) Emit(e notify.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(e.Kind) {
			continue
		}
		select {
		case c.ch <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected streaming clients.
func (h *EventHub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of events not delivered to slow clients.
func (h *EventHub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every client. Further connections are refused.
func (h *EventHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	h.clientsMu.Lock()
	for id, c := range h.clients {
		close(c.ch)
		delete(h.clients, id)
	}
	h.clientsMu.Unlock()
	return nil
}

// register adds a client filtered by the comma separated kinds in the
// "kind" query parameter.
func (h *EventHub) register(r *http.Request) (uint64, *client, bool) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, nil, false
	}

	c := &client{ch: make(chan []byte, h.config.ClientBuffer)}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		c.kinds = make(map[notify.Kind]bool)
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.kinds[notify.Kind(k)] = true
			}
		}
	}

	id := h.nextID.Add(1)
	h.clientsMu.Lock()
	h.clients[id] = c
	h.clientsMu.Unlock()
	return id, c, true
}

func (h *EventHub) unregister(id uint64) {
	h.clientsMu.Lock()
	delete(h.clients, id)
	h.clientsMu.Unlock()
}

// HandleSSE streams events as Server-Sent Events.
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	id, c, ok := h.register(r)
	if !ok {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var heartbeat <-chan time.Time
	if h.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(h.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-heartbeat:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// HandleWebSocket streams events as WebSocket text messages. Inbound
// messages are read and discarded so close frames are seen.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	id, c, ok := h.register(r)
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"),
			time.Now().Add(time.Second))
		return
	}
	defer h.unregister(id)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var ping <-chan time.Time
	if h.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(h.config.HeartbeatInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-h.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case <-ping:
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout))
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write failed", map[string]any{"error": err.Error()})
				return
			}
		}
	}
}

var _ notify.Notifier = (*EventHub)(nil)
