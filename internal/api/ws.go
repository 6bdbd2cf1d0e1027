package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oriva/platform/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// App-level auth happens upstream; the gateway serves browser and
	// server-side clients alike.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS handles GET /ws?user_id=xxx&app_id=yyy&subscriptions=a,b.c
// It upgrades the connection and blocks in the session read loop until the
// client disconnects.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}
	appID := r.URL.Query().Get("app_id")

	var subscriptions []string
	if raw := r.URL.Query().Get("subscriptions"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				subscriptions = append(subscriptions, p)
			}
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := realtime.NewSession(h.registry, ws, userID, appID, subscriptions, h.logger)
	if err != nil {
		if errors.Is(err, realtime.ErrConnectionLimit) {
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached"))
		}
		_ = ws.Close()
		return
	}

	session.Serve()
}
