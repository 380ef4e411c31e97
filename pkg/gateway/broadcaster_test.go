package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/nebula/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialEvents(t *testing.T, b *EventBroadcaster, query string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()

	var msg EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEventBroadcaster_PublishAddsSequence(t *testing.T) {
	b := NewEventBroadcaster(zerolog.Nop())
	conn := dialEvents(t, b, "")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Publish(agent.Event{
		Type:      agent.EventToolStarted,
		SessionID: "s1",
		TurnID:    "turn-1",
		Data:      map[string]interface{}{"tool": "get_time"},
	})
	b.Publish(agent.Event{Type: agent.EventToolCompleted, SessionID: "s1", TurnID: "turn-1"})

	first := readEvent(t, conn)
	second := readEvent(t, conn)

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, agent.EventToolStarted, first.Event)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, "turn-1", first.TurnID)
	assert.Equal(t, "get_time", first.Data["tool"])
	assert.NotZero(t, first.Timestamp)
	assert.Equal(t, agent.EventToolCompleted, second.Event)
	assert.Equal(t, first.Seq+1, second.Seq)
}

func TestEventBroadcaster_SessionFilter(t *testing.T) {
	b := NewEventBroadcaster(zerolog.Nop())
	conn := dialEvents(t, b, "?sessionId=wanted")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Publish(agent.Event{Type: agent.EventTurnStarted, SessionID: "other"})
	b.Publish(agent.Event{Type: agent.EventTurnStarted, SessionID: "wanted"})

	msg := readEvent(t, conn)
	assert.Equal(t, "wanted", msg.SessionID)

	clients := b.ConnectedClients()
	require.Len(t, clients, 1)
	assert.Equal(t, "wanted", clients[0].SessionID)
}

func TestEventBroadcaster_BroadcastReachesFilteredClients(t *testing.T) {
	b := NewEventBroadcaster(zerolog.Nop())
	conn := dialEvents(t, b, "?sessionId=s1")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Broadcast("server.shutdown", map[string]interface{}{"message": "bye"})

	msg := readEvent(t, conn)
	assert.Equal(t, "server.shutdown", msg.Event)
	assert.Equal(t, "bye", msg.Data["message"])
}

func TestEventBroadcaster_CloseDisconnectsClients(t *testing.T) {
	b := NewEventBroadcaster(zerolog.Nop())
	conn := dialEvents(t, b, "")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Close()
	assert.Equal(t, 0, b.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestEventBroadcaster_ClientDisconnectIsRemoved(t *testing.T) {
	b := NewEventBroadcaster(zerolog.Nop())
	conn := dialEvents(t, b, "")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
