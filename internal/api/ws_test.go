package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tasker-core/core/pkg/models"
)

func TestHubBroadcastsToConnectedClient(t *testing.T) {
	h := newHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server goroutine time to register the client
	time.Sleep(20 * time.Millisecond)

	h.EmitRunStatus("run-1", models.RunCompleted, "")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "run_status")
	require.Contains(t, string(data), "run-1")
}

func TestHubDropsSlowClientRatherThanBlocking(t *testing.T) {
	h := newHub()
	c := &wsClient{send: make(chan []byte)} // unbuffered, no reader draining it
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.broadcast(Event{Type: EventError, SessionID: "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}
