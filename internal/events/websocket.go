package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler upgrades an authenticated request and streams the caller's job
// events as JSON text frames until either side goes away.
func Handler(h *Hub, log *logger.Logger, allowOrigin func(r *http.Request) bool) http.HandlerFunc {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     allowOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := middleware.UserID(r)
		if err != nil {
			middleware.HandleError(w, r, log, err)
			return
		}

		sub, err := h.Subscribe(r.Context(), userID)
		if err != nil {
			middleware.HandleError(w, r, log, err)
			return
		}
		defer sub.Close()

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err.Error())
			return
		}
		defer conn.Close()

		// The reader only services control frames; it ends on disconnect.
		gone := make(chan struct{})
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
