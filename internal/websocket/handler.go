package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	manager *Manager
	// base outlives individual requests; sessions are cancelled with it.
	base context.Context
}

// NewHandler creates a new WebSocket handler. Sessions run until base is
// cancelled or they end on their own.
func NewHandler(base context.Context, manager *Manager) *Handler {
	return &Handler{manager: manager, base: base}
}

// ServeWS handles WebSocket upgrade requests at /ws/chats/{chatID}.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		http.Error(w, "chat ID required", http.StatusBadRequest)
		return
	}
	token := requestToken(r)

	// Upgrade first so failures can be reported with a close code.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.log.Warn("upgrade_failed", zap.Error(err))
		return
	}

	session, err := h.manager.Connect(r.Context(), token, chatID, conn)
	h.serve(conn, session, err)
}

// ServeNotifications handles WebSocket upgrade requests at /ws/notifications.
// The session is not attached to a chat and only carries the user's private
// frames.
func (h *Handler) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.log.Warn("upgrade_failed", zap.Error(err))
		return
	}
	session, err := h.manager.ConnectAccount(r.Context(), token, conn)
	h.serve(conn, session, err)
}

// requestToken reads the Authorization header, falling back to the token query
// param.
func requestToken(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	return token
}

func (h *Handler) serve(conn *websocket.Conn, session *Session, err error) {
	if err != nil {
		code := CloseCode(err)
		h.manager.metrics.Connect(connectOutcome(code))
		h.reject(conn, code, err)
		return
	}
	h.manager.metrics.Connect("ok")
	session.Serve(h.base)
}

func (h *Handler) reject(conn *websocket.Conn, code int, err error) {
	reason := "internal error"
	if appErr, ok := apperrors.As(err); ok && appErr.Kind != apperrors.KindInternal {
		reason = appErr.Message
	}
	if code == protocol.CloseInternal {
		h.manager.log.Error("connect_failed", zap.Error(err))
	} else {
		h.manager.log.Info("connect_rejected", zap.Int("close_code", code), zap.String("reason", reason))
	}
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// CloseCode maps a connect failure to the close code sent to the client.
func CloseCode(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindAuth:
		return protocol.CloseUnauthenticated
	case apperrors.KindAuthorization:
		return protocol.CloseUnauthorized
	case apperrors.KindNotFound:
		return protocol.CloseChatNotFound
	default:
		return protocol.CloseInternal
	}
}

func connectOutcome(code int) string {
	switch code {
	case protocol.CloseUnauthenticated:
		return "unauthenticated"
	case protocol.CloseUnauthorized:
		return "unauthorized"
	case protocol.CloseChatNotFound:
		return "chat_not_found"
	default:
		return "error"
	}
}
