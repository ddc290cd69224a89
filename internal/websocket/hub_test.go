package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessguard/internal/evidence"
	"accessguard/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startedHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(quietLogger())
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub
}

func register(t *testing.T, hub *Hub, filter string) *Client {
	t.Helper()
	c := NewClient(hub, newMockConnection(), ClientOptions{Filter: filter, Logger: quietLogger()})
	require.NoError(t, hub.Register(c))
	require.Eventually(t, func() bool { return hub.ClientCount() > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestHubGreetsNewClient(t *testing.T) {
	hub := startedHub(t)
	c := register(t, hub, "")

	msg := receive(t, c)
	assert.Equal(t, TypeConnection, msg.Type)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "connected", data["status"])
	assert.Equal(t, c.ID(), data["client_id"])
}

func TestHubBroadcastHonoursFilter(t *testing.T) {
	hub := startedHub(t)
	all := register(t, hub, "")
	security := register(t, hub, evidence.LogSecurity)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)
	receive(t, all)
	receive(t, security)

	hub.BroadcastEntry(evidence.Entry{ID: "v1", Log: evidence.LogViolations, Type: evidence.TypeLicenseTampered})
	hub.BroadcastEntry(evidence.Entry{ID: "s1", Log: evidence.LogSecurity, Type: evidence.TypeRateLimitExceeded})

	first := receive(t, all)
	assert.Equal(t, TypeEvidence, first.Type)
	assert.Equal(t, "v1", first.Data.(map[string]any)["id"])
	assert.Equal(t, "s1", receive(t, all).Data.(map[string]any)["id"])

	only := receive(t, security)
	assert.Equal(t, "s1", only.Data.(map[string]any)["id"])
	assert.Empty(t, security.send)
}

func TestHubAttachStreamsRecordedEvidence(t *testing.T) {
	hub := startedHub(t)
	book, err := evidence.NewBook(storage.NewMemoryStore(), func() string { return "device-1" }, quietLogger())
	require.NoError(t, err)
	cancel := hub.Attach(book)

	c := register(t, hub, "")
	receive(t, c)

	_, err = book.Record(context.Background(), evidence.TypeTimingAnomaly, evidence.Detail{"drift_ms": 4000})
	require.NoError(t, err)

	msg := receive(t, c)
	data := msg.Data.(map[string]any)
	assert.Equal(t, evidence.TypeTimingAnomaly, data["type"])
	assert.Equal(t, evidence.LogSecurity, data["log"])
	assert.Equal(t, "device-1", data["device_id"])

	cancel()
	_, err = book.Record(context.Background(), evidence.TypeTimingAnomaly, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.send)
}

func TestHubDisconnectsSaturatedClient(t *testing.T) {
	hub := startedHub(t)
	c := register(t, hub, "")

	// The greeting occupies one slot; fill the rest.
	for i := 0; i < sendBuffer-1; i++ {
		c.send <- []byte("{}")
	}
	hub.BroadcastEntry(evidence.Entry{ID: "overflow", Log: evidence.LogViolations})

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubUnregister(t *testing.T) {
	hub := startedHub(t)
	c := register(t, hub, "")

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	// Draining a closed queue ends immediately.
	for range c.send {
	}
}

func TestHubStopClosesClientsAndRejectsRegistration(t *testing.T) {
	hub := NewHub(quietLogger())
	hub.Start()
	c := register(t, hub, "")

	hub.Stop()
	hub.Stop()

	for range c.send {
	}
	late := NewClient(hub, newMockConnection(), ClientOptions{Logger: quietLogger()})
	assert.ErrorIs(t, hub.Register(late), ErrHubClosed)
	hub.BroadcastEntry(evidence.Entry{ID: "after-stop"})
}

func TestStopWithoutStart(t *testing.T) {
	hub := NewHub(quietLogger())
	done := make(chan struct{})
	go func() {
		hub.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a hub that never started")
	}
}

func TestWritePumpSendsQueuedMessagesThenCloses(t *testing.T) {
	hub := NewHub(quietLogger())
	conn := newMockConnection()
	c := NewClient(hub, conn, ClientOptions{PingPeriod: time.Hour, PongWait: 2 * time.Hour, Logger: quietLogger()})

	c.send <- []byte(`{"type":"evidence"}`)
	close(c.send)
	c.WritePump()

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, websocket.TextMessage, msgs[0].Type)
	assert.JSONEq(t, `{"type":"evidence"}`, string(msgs[0].Data))
	assert.Equal(t, websocket.CloseMessage, msgs[1].Type)
	assert.True(t, conn.isClosed())
}

func TestWritePumpPings(t *testing.T) {
	hub := NewHub(quietLogger())
	conn := newMockConnection()
	c := NewClient(hub, conn, ClientOptions{PingPeriod: 10 * time.Millisecond, PongWait: time.Second, Logger: quietLogger()})

	go c.WritePump()
	require.Eventually(t, func() bool {
		for _, m := range conn.messages() {
			if m.Type == websocket.PingMessage {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	close(c.send)
}

func TestReadPumpUnregistersOnError(t *testing.T) {
	hub := startedHub(t)
	conn := newMockConnection()
	c := NewClient(hub, conn, ClientOptions{Logger: quietLogger()})
	require.NoError(t, hub.Register(c))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.ReadPump()
		close(done)
	}()
	conn.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadPump did not return")
	}
	assert.Equal(t, 0, hub.ClientCount())
	assert.True(t, conn.isClosed())
}

func TestNewClientDefaultsPingBelowPong(t *testing.T) {
	c := NewClient(NewHub(quietLogger()), newMockConnection(), ClientOptions{PingPeriod: time.Minute, PongWait: 30 * time.Second})
	assert.Equal(t, 30*time.Second, c.pongWait)
	assert.Equal(t, 27*time.Second, c.pingPeriod)
	assert.Equal(t, "127.0.0.1:9000", c.remoteAddr)
}
