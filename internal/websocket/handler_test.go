package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessguard/internal/config"
	"accessguard/internal/evidence"
	"accessguard/internal/storage"
)

func streamServer(t *testing.T, origins []string) (*httptest.Server, *evidence.Book) {
	t.Helper()
	hub := startedHub(t)
	book, err := evidence.NewBook(storage.NewMemoryStore(), func() string { return "device-1" }, quietLogger())
	require.NoError(t, err)
	t.Cleanup(hub.Attach(book))

	server := httptest.NewServer(NewHandler(hub, config.Default().WebSocket, origins, quietLogger()))
	t.Cleanup(server.Close)
	return server, book
}

func dial(t *testing.T, server *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	return websocket.DefaultDialer.Dial(url, header)
}

func TestHandlerStreamsEvidence(t *testing.T) {
	server, book := streamServer(t, nil)

	conn, _, err := dial(t, server, "?log="+evidence.LogViolations, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeConnection, hello.Type)

	ctx := context.Background()
	_, err = book.Record(ctx, evidence.TypeRateLimitExceeded, nil)
	require.NoError(t, err)
	_, err = book.Record(ctx, evidence.TypeLicenseTampered, evidence.Detail{"reason": "integrity"})
	require.NoError(t, err)

	// The security entry is filtered out; the violation arrives first.
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeEvidence, msg.Type)
	data := msg.Data.(map[string]any)
	assert.Equal(t, evidence.TypeLicenseTampered, data["type"])
	assert.Equal(t, evidence.LogViolations, data["log"])
}

func TestHandlerRejectsUnknownLog(t *testing.T) {
	server, _ := streamServer(t, nil)

	_, resp, err := dial(t, server, "?log=audit", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerOriginCheck(t *testing.T) {
	server, _ := streamServer(t, []string{"https://console.example.com"})

	_, resp, err := dial(t, server, "", http.Header{"Origin": {"https://evil.example.net"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dial(t, server, "", http.Header{"Origin": {"https://console.example.com"}})
	require.NoError(t, err)
	conn.Close()
}

func TestOriginChecker(t *testing.T) {
	check := originChecker(nil)
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "svc:8080", true},
		{"same host", "http://svc:8080", "svc:8080", true},
		{"loopback", "http://localhost:3000", "svc:8080", true},
		{"foreign", "https://other.example", "svc:8080", false},
		{"malformed", "://", "svc:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/evidence", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, check(r))
		})
	}
}
