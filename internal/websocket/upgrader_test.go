package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlementd/internal/config"
	"entitlementd/internal/session"
	"entitlementd/pkg/contracts/events"
)

func TestServeWS(t *testing.T) {
	source := &fakeSource{snap: session.Snapshot{Status: session.StatusAuthenticated}}
	hub := NewHub(quietLogger(), nil)
	hub.Attach(source)
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(ServeWS(hub, config.Default().WebSocket, quietLogger()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg events.WebSocketMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, events.MessageTypeConnect, msg.Type)
	assert.NotEmpty(t, msg.ID)

	require.NoError(t, conn.WriteJSON(events.ClientMessage{Type: events.ClientState}))
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, events.MessageTypeState, msg.Type)
}

func TestServeWSRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(quietLogger(), nil)
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(ServeWS(hub, config.Default().WebSocket, quietLogger()))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:47820", true},
		{"http://127.0.0.1:3000", true},
		{"https://example.com", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), tt.origin)
	}
}
