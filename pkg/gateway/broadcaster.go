package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/nebula/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

// EventBroadcaster fans turn lifecycle events out to /events subscribers.
// It implements agent.EventSink.
type EventBroadcaster struct {
	clients  *subscribers
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	seq      uint64
}

var _ agent.EventSink = (*EventBroadcaster)(nil)

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: newSubscribers(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Publish queues an agent event for every interested client without blocking
func (b *EventBroadcaster) Publish(event agent.Event) {
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.broadcastMessage(EventMessage{
		Type:      "event",
		Event:     event.Type,
		Seq:       b.nextSeq(),
		Timestamp: ts.UnixMilli(),
		SessionID: event.SessionID,
		TurnID:    event.TurnID,
		Data:      event.Data,
	})
}

// Broadcast sends a server event to all clients
func (b *EventBroadcaster) Broadcast(event string, data map[string]interface{}) {
	b.broadcastMessage(EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       b.nextSeq(),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

func (b *EventBroadcaster) broadcastMessage(msg EventMessage) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.forSession(msg.SessionID)
	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, client := range clients {
		select {
		case client.send <- jsonData:
		case <-client.done:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Warn().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Int("dropped", dropped).
			Msg("Slow event clients skipped")
	}
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}

// ClientCount returns the number of connected subscribers
func (b *EventBroadcaster) ClientCount() int {
	return b.clients.len()
}

// ConnectedClients describes the connected subscribers, oldest first
func (b *EventBroadcaster) ConnectedClients() []ClientInfo {
	return b.clients.snapshot()
}

// ServeHTTP upgrades GET /events. The optional sessionId query parameter
// limits the feed to one session.
func (b *EventBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to upgrade events connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
		SessionID:   r.URL.Query().Get("sessionId"),
		send:        make(chan []byte, clientSendBuffer),
		done:        make(chan struct{}),
	}
	b.clients.add(client)

	b.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Str("session_id", client.SessionID).
		Msg("Events client connected")

	go b.writePump(client)
	go b.readPump(client)
}

// readPump discards inbound frames and notices disconnects. The write pump
// owns closing the connection.
func (b *EventBroadcaster) readPump(client *Client) {
	defer b.disconnect(client)

	client.Conn.SetReadLimit(512)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Events connection error")
			}
			return
		}
	}
}

func (b *EventBroadcaster) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.Conn.Close()
		b.disconnect(client)
	}()

	for {
		select {
		case <-client.done:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			b.flush(client)
			_ = client.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to write event")
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued for a closing client
func (b *EventBroadcaster) flush(client *Client) {
	for {
		select {
		case data := <-client.send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (b *EventBroadcaster) disconnect(client *Client) {
	client.closeOnce.Do(func() {
		close(client.done)
		b.clients.remove(client)
		b.logger.Info().Str("clientId", client.ID).Msg("Events client disconnected")
	})
}

// Close disconnects every client
func (b *EventBroadcaster) Close() {
	for _, client := range b.clients.all() {
		b.disconnect(client)
	}
}
