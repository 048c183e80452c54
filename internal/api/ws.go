package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tasker-core/core/pkg/models"
)

// EventType discriminates the server->client messages the WebSocket emits.
type EventType string

const (
	EventRecordingStep  EventType = "recording_step"
	EventReplayStep     EventType = "replay_step"
	EventReplayComplete EventType = "replay_complete"
	EventRunStatus      EventType = "run_status"
	EventError          EventType = "error"
)

// Event is the single envelope every WebSocket message is sent as.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload,omitempty"`
}

const (
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingInterval  = (wsPongWait * 9) / 10
	wsSendQueueSize = 64
)

// hub fans out events to every connected WebSocket client over a pure
// broadcast protocol: tasker-core's WebSocket only pushes events, it never
// answers client requests.
type hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendQueueSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *hub) readLoop(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		// The contract is server-push only; inbound frames are drained and
		// discarded, keeping the read loop alive to service pongs.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("api: marshal ws event", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// slow client; drop the event rather than block the broadcaster
		}
	}
}

// EmitRunStatus implements runloop.EventSink.
func (h *hub) EmitRunStatus(runID string, status models.RunStatus, errMsg string) {
	h.broadcast(Event{
		Type:      EventRunStatus,
		SessionID: runID,
		Payload:   map[string]any{"status": status, "error": errMsg},
	})
}

// EmitReplayStep implements runloop.EventSink.
func (h *hub) EmitReplayStep(runID string, step *models.RunStep) {
	h.broadcast(Event{Type: EventReplayStep, SessionID: runID, Payload: step})
	if step != nil && step.ToolName == "done" {
		h.broadcast(Event{Type: EventReplayComplete, SessionID: runID, Payload: step})
	}
}

// EmitRecordingStep broadcasts a recording progress update; the Recording
// Engine has no typed step record of its own, so the payload is a plain map.
func (h *hub) EmitRecordingStep(sessionID string, eventCount int, lastKind string) {
	h.broadcast(Event{
		Type:      EventRecordingStep,
		SessionID: sessionID,
		Payload:   map[string]any{"event_count": eventCount, "last_kind": lastKind},
	})
}

// EmitError broadcasts an out-of-band error not tied to a normal status
// transition (e.g. a session that failed to even initialize).
func (h *hub) EmitError(sessionID, message string) {
	h.broadcast(Event{Type: EventError, SessionID: sessionID, Payload: map[string]string{"message": message}})
}
