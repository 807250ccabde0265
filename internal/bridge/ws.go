package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/veletrix/warden/internal/events"
)

type wsEnvelope struct {
	Type string     `json:"type"`
	Data events.Msg `json:"data,omitempty"`
}

// handleEventsWebSocket streams every engine event to the client as a
// typed JSON envelope until the client disconnects.
func (srv *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	ch, cancel := srv.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			data, err := json.Marshal(wsEnvelope{Type: msg.Kind(), Data: msg})
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 15*time.Second)
			if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
				writeCancel()
				return
			}
			writeCancel()
		}
	}
}
