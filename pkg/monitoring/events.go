package monitoring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/codegraph/hybrid-search/pkg/pool"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventMessage is the wire form of a pool event on the stream
type EventMessage struct {
	Type         pool.EventType         `json:"type"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	DurationMs   float64                `json:"duration_ms,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func newEventMessage(e pool.Event) EventMessage {
	return EventMessage{
		Type:         e.Type,
		ConnectionID: e.ConnectionID,
		Timestamp:    e.Timestamp,
		DurationMs:   float64(e.Duration) / float64(time.Millisecond),
		Error:        e.Error(),
		Metadata:     e.Metadata,
	}
}

// EventHub fans pool events out to websocket clients. Broadcast never
// blocks; a client whose queue is full is disconnected.
type EventHub struct {
	buffer int
	logger zerolog.Logger

	mu          sync.RWMutex
	clients     map[string]*eventClient
	closed      bool
	unsubscribe func()

	dropped atomic.Int64
	wg      sync.WaitGroup
}

type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *eventClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func newEventHub(buffer int, logger zerolog.Logger) *EventHub {
	return &EventHub{
		buffer:  buffer,
		logger:  logger,
		clients: make(map[string]*eventClient),
	}
}

func (h *EventHub) attach(p PoolInspector) {
	unsubscribe := p.Subscribe(h.Broadcast)
	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()
}

// Broadcast queues the event for every connected client
func (h *EventHub) Broadcast(event pool.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	payload, err := json.Marshal(newEventMessage(event))
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to encode pool event")
		return
	}

	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.dropped.Add(1)
			h.logger.Warn().Str("client_id", c.id).Msg("Event stream client too slow, disconnecting")
			c.close()
		}
	}
}

// Clients returns the number of connected stream clients
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow clients
func (h *EventHub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *EventHub) register(conn *websocket.Conn) *eventClient {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	c := &eventClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	h.clients[c.id] = c

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.readPump(c)
	}()
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()

	return c
}

func (h *EventHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[id]; ok {
		delete(h.clients, id)
		h.logger.Info().Str("client_id", id).Msg("Event stream client removed")
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.closed = true
	for _, c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (h *EventHub) wait() {
	h.wg.Wait()
}

// readPump only watches for the client going away
func (h *EventHub) readPump(c *eventClient) {
	defer func() {
		h.remove(c.id)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client_id", c.id).Msg("Event stream read error")
			}
			return
		}
	}
}

func (h *EventHub) writePump(c *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug().Err(err).Str("client_id", c.id).Msg("Event stream write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
			return
		}
	}
}
