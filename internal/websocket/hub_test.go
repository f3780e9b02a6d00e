package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlementd/internal/config"
	"entitlementd/internal/infrastructure"
	"entitlementd/internal/session"
	"entitlementd/pkg/contracts/domain"
	"entitlementd/pkg/contracts/events"
)

// fakeSource hands out a fixed snapshot and captures the listener
type fakeSource struct {
	mu       sync.Mutex
	snap     session.Snapshot
	listener session.Listener
	removed  bool
}

func (f *fakeSource) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) Subscribe(fn session.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removed = true
	}
}

func (f *fakeSource) emit(ev session.Event) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l(ev)
}

type decoded struct {
	Type    events.MessageType `json:"type"`
	TraceID string             `json:"trace_id"`
	Reason  string             `json:"reason"`
	Data    json.RawMessage    `json:"data"`
}

func decodeAll(t *testing.T, raw [][]byte) []decoded {
	t.Helper()
	out := make([]decoded, 0, len(raw))
	for _, r := range raw {
		var d decoded
		require.NoError(t, json.Unmarshal(r, &d))
		out = append(out, d)
	}
	return out
}

func connectClient(t *testing.T, hub *Hub) (*Client, *mockConnection) {
	t.Helper()
	conn := newMockConnection()
	client := NewClient(hub, conn, "trace-1", quietLogger())
	hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
	return client, conn
}

func waitForMessages(t *testing.T, conn *mockConnection, n int) []decoded {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.messages()) >= n }, time.Second, 5*time.Millisecond)
	return decodeAll(t, conn.messages())
}

func TestHubStartStop(t *testing.T) {
	hub := NewHub(quietLogger(), nil)

	hub.Start()
	hub.Start()
	assert.True(t, hub.running)

	hub.Stop()
	hub.Stop()
	assert.False(t, hub.running)
}

func TestHubConnectCarriesState(t *testing.T) {
	source := &fakeSource{snap: session.Snapshot{Status: session.StatusAnonymous}}
	hub := NewHub(quietLogger(), nil)
	hub.Attach(source)
	hub.Start()
	defer hub.Stop()

	client, conn := connectClient(t, hub)
	msgs := waitForMessages(t, conn, 1)

	assert.Equal(t, events.MessageTypeConnect, msgs[0].Type)
	assert.Equal(t, "trace-1", msgs[0].TraceID)

	var data struct {
		ClientID string           `json:"client_id"`
		State    session.Snapshot `json:"state"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Data, &data))
	assert.Equal(t, client.ID(), data.ClientID)
	assert.Equal(t, session.StatusAnonymous, data.State.Status)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHubRelaysSessionEventsInOrder(t *testing.T) {
	source := &fakeSource{}
	hub := NewHub(quietLogger(), nil)
	hub.Attach(source)
	hub.Start()
	defer hub.Stop()

	_, conn := connectClient(t, hub)
	waitForMessages(t, conn, 1)

	user := &domain.User{Email: "a@b.com", Tier: domain.TierPro}
	source.emit(session.Event{Kind: session.EventLoading, Snapshot: session.Snapshot{Status: session.StatusLoading}})
	source.emit(session.Event{Kind: session.EventVerified, Snapshot: session.Snapshot{Status: session.StatusAuthenticated, User: user, IsPro: true}, Reason: "verified"})
	source.emit(session.Event{Kind: session.EventLogout, Snapshot: session.Snapshot{Status: session.StatusAnonymous}, Reason: "logout"})

	msgs := waitForMessages(t, conn, 4)
	assert.Equal(t, events.MessageTypeLoading, msgs[1].Type)
	assert.Equal(t, events.MessageTypeVerified, msgs[2].Type)
	assert.Equal(t, "verified", msgs[2].Reason)
	assert.Equal(t, events.MessageTypeLogout, msgs[3].Type)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(msgs[2].Data, &snap))
	assert.True(t, snap.IsPro)
	assert.Equal(t, "a@b.com", snap.User.Email)
}

func TestHubUpsell(t *testing.T) {
	hub := NewHub(quietLogger(), nil)
	hub.Start()
	defer hub.Stop()

	_, conn := connectClient(t, hub)
	waitForMessages(t, conn, 1)

	ctx := infrastructure.WithTraceID(context.Background(), "req-9")
	hub.Upsell(ctx, session.UpsellRequest{
		Feature:   "export",
		Required:  domain.TierPro,
		Current:   domain.TierFree,
		Rejection: &session.Rejection{Kind: "DEVICE_LIMIT", MaxDevices: 3},
	})

	msgs := waitForMessages(t, conn, 2)
	assert.Equal(t, events.MessageTypeUpsell, msgs[1].Type)
	assert.Equal(t, config.MsgUpgradeRequired, msgs[1].Reason)
	assert.Equal(t, "req-9", msgs[1].TraceID)

	var req session.UpsellRequest
	require.NoError(t, json.Unmarshal(msgs[1].Data, &req))
	assert.Equal(t, "export", req.Feature)
	assert.Equal(t, 3, req.Rejection.MaxDevices)
}

func TestHubStateRequest(t *testing.T) {
	source := &fakeSource{snap: session.Snapshot{Status: session.StatusExpired, IsLoggedIn: true}}
	hub := NewHub(quietLogger(), nil)
	hub.Attach(source)
	hub.Start()
	defer hub.Stop()

	_, conn := connectClient(t, hub)
	waitForMessages(t, conn, 1)

	conn.reads <- []byte(`{"type":"heartbeat"}`)
	conn.reads <- []byte(`not json`)
	conn.reads <- []byte(`{"type":"state"}`)

	msgs := waitForMessages(t, conn, 2)
	assert.Equal(t, events.MessageTypeState, msgs[1].Type)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(msgs[1].Data, &snap))
	assert.Equal(t, session.StatusExpired, snap.Status)
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub(quietLogger(), nil)
	hub.Start()
	defer hub.Stop()

	_, conn := connectClient(t, hub)
	waitForMessages(t, conn, 1)
	require.Equal(t, 1, hub.ClientCount())

	close(conn.reads)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubEnqueueNeverBlocks(t *testing.T) {
	// not started: nothing drains the queue
	hub := NewHub(quietLogger(), nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer+10; i++ {
			hub.OnSessionEvent(session.Event{Kind: session.EventLoading})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnSessionEvent blocked")
	}
	assert.Equal(t, int64(10), hub.GetHubMetrics()["dropped_messages"])
}

func TestHubStopDetaches(t *testing.T) {
	source := &fakeSource{}
	hub := NewHub(quietLogger(), nil)
	hub.Attach(source)
	hub.Start()

	_, conn := connectClient(t, hub)
	waitForMessages(t, conn, 1)
	hub.Stop()

	assert.True(t, source.removed)
	assert.Equal(t, 0, hub.ClientCount())
}
