package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Room membership is the credential; the HTTP origin carries no trust.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and runs the read and write pumps until the
// socket closes. It blocks for the lifetime of the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := h.Register("")
	done := make(chan struct{})
	go h.writePump(conn, session, done)
	h.readPump(conn, session)
	close(done)
	h.HandleDisconnect(session)
	_ = conn.Close()
}

func (h *Hub) readPump(conn *websocket.Conn, session *Session) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var envelope Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.Int64("session_id", session.ID), zap.Error(err))
			}
			return
		}
		h.dispatch(session, envelope)
	}
}

func (h *Hub) dispatch(session *Session, envelope Envelope) {
	switch envelope.Type {
	case MessageJoinChain:
		if err := h.HandleJoin(session, envelope.RoomID, envelope.DeviceName); err != nil {
			h.logger.Debug("join rejected", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	case MessagePushUpdate:
		if err := h.HandlePush(session, envelope); err != nil {
			h.logger.Debug("push rejected", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	case MessageRequestSync:
		if err := h.HandleRequestSync(session, envelope.RoomID); err != nil {
			h.logger.Debug("sync request rejected", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	default:
		h.reject(session, errors.New("relay: unknown message type "+envelope.Type))
	}
}

func (h *Hub) writePump(conn *websocket.Conn, session *Session, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case envelope := <-session.Out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(envelope); err != nil {
				h.logger.Debug("websocket write failed", zap.Int64("session_id", session.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
