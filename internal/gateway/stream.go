package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/stewardq/internal/bus"
)

// streamEvent is one message on the live admin stream.
type streamEvent struct {
	Topic     string `json:"topic"`
	TaskID    string `json:"task_id,omitempty"`
	Room      string `json:"room,omitempty"`
	Task      string `json:"task,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Status    string `json:"status,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	IntentID  string `json:"intent_id,omitempty"`
}

// handleTraceStream implements GET /api/traces/stream: a WebSocket tail of
// task lifecycle transitions and trace records, optionally filtered by room.
func (s *Server) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}
	room := r.URL.Query().Get("room")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	s.logger.Debug("trace stream client connected")

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			var out *streamEvent
			switch payload := event.Payload.(type) {
			case bus.TaskLifecycleEvent:
				if room != "" && payload.Room != room {
					continue
				}
				out = &streamEvent{
					Topic:     event.Topic,
					TaskID:    payload.TaskID,
					Room:      payload.Room,
					Task:      payload.Task,
					OldStatus: payload.OldStatus,
					NewStatus: payload.NewStatus,
					Attempt:   payload.Attempt,
				}
			case bus.TraceRecordedEvent:
				if room != "" && payload.Room != room {
					continue
				}
				out = &streamEvent{
					Topic:     event.Topic,
					Room:      payload.Room,
					Task:      payload.Task,
					Stage:     payload.Stage,
					Status:    payload.Status,
					TraceID:   payload.TraceID,
					RequestID: payload.RequestID,
					IntentID:  payload.IntentID,
				}
			default:
				continue
			}
			if err := wsjson.Write(ctx, conn, out); err != nil {
				s.logger.Debug("trace stream write failed", "error", err)
				return
			}
		}
	}
}
