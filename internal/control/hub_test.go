package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatebeach/beach-manager/internal/models"
)

func dialHub(t *testing.T, h *Hub, sessionID string) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.Attach(sessionID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubSendDelivers(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h, "s1")

	require.Eventually(t, func() bool { return h.Connected("s1") }, time.Second, 10*time.Millisecond)

	payload, _ := json.Marshal(map[string]string{"private_beach_id": "pb1"})
	require.NoError(t, h.Send("s1", models.ControlMessage{
		Type:    models.ControlManagerHandshake,
		Payload: payload,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg models.ControlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, models.ControlManagerHandshake, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestHubQueuesWhileOffline(t *testing.T) {
	h := NewHub()

	// Send before the host has connected; the message waits.
	payload, _ := json.Marshal(map[string]string{"attach_code": "ABCDEF"})
	require.NoError(t, h.Send("s2", models.ControlMessage{
		Type:    models.ControlManagerHandshake,
		Payload: payload,
	}))
	assert.False(t, h.Connected("s2"))

	conn := dialHub(t, h, "s2")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg models.ControlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, models.ControlManagerHandshake, msg.Type)
}

func TestHubInbound(t *testing.T) {
	h := NewHub()

	var mu sync.Mutex
	var got []models.ControlMessage
	h.Inbound = func(sessionID string, msg models.ControlMessage) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "s3", sessionID)
		got = append(got, msg)
	}

	conn := dialHub(t, h, "s3")
	require.Eventually(t, func() bool { return h.Connected("s3") }, time.Second, 10*time.Millisecond)

	health, _ := json.Marshal(models.ControlMessage{
		Type:    models.ControlHealth,
		Payload: json.RawMessage(`{"status":"ok"}`),
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, health))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, models.ControlHealth, got[0].Type)
	mu.Unlock()
}

func TestHubLatestConnectionWins(t *testing.T) {
	h := NewHub()

	first := dialHub(t, h, "s4")
	_ = first
	second := dialHub(t, h, "s4")

	require.Eventually(t, func() bool { return h.Connected("s4") }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Send("s4", models.ControlMessage{Type: models.ControlPing}))

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)

	var msg models.ControlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, models.ControlPing, msg.Type)
}
