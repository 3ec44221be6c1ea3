package statusapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plexsphere/devlink/internal/linkstate"
)

const (
	watchWriteWait  = 10 * time.Second
	watchBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWatch streams the current state followed by every published change
// as JSON text messages. When the client falls behind, intermediate states
// are skipped; the newest one is always delivered.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("watch upgrade failed", "error", err)
		return
	}

	updates := make(chan linkstate.State, watchBufferSize)
	unsubscribe := h.ctrl.Subscribe(func(s linkstate.State) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	// The client never sends data; reading surfaces close frames and
	// keeps pong handling alive.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-closed
	}()

	send := func(s linkstate.State) error {
		conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		return conn.WriteJSON(s)
	}

	if err := send(h.ctrl.CurrentState()); err != nil {
		return
	}
	h.logger.Debug("watch started", "remote", r.RemoteAddr)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(watchWriteWait))
			return
		case <-closed:
			return
		case s := <-updates:
			if err := send(s); err != nil {
				h.logger.Debug("watch write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		}
	}
}
