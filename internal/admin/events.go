package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/ferro-labs/llm-bridge/internal/logging"
)

// events upgrades to a WebSocket and forwards every bus event to the
// client as one JSON text message per event. Optional ?topics=a,b,c
// narrows the subscription; without it the client sees everything.
func (h *Handlers) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context()).Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	sub := h.gw.Bus().Subscribe(topics...)
	defer sub.Close()

	// The client never sends application data; CloseRead surfaces the
	// disconnect through ctx.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				logging.Logger.Error("failed to encode event", "event", ev.Name, "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
