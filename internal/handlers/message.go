package handlers

import (
	"net/http"
	"strconv"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/adi-253/Talkie/chatd/internal/services"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxHistoryLimit = 200

// MessageHandler serves message history.
// Provides a polling-based fallback when the websocket is unavailable.
type MessageHandler struct {
	chats        *services.ChatService
	defaultLimit int
	log          *zap.Logger
}

// NewMessageHandler creates a new MessageHandler instance.
func NewMessageHandler(chats *services.ChatService, defaultLimit int, log *zap.Logger) *MessageHandler {
	return &MessageHandler{chats: chats, defaultLimit: defaultLimit, log: log.With(zap.String("component", "http"))}
}

// GetMessagesResponse is the history page, oldest first.
type GetMessagesResponse struct {
	Messages []protocol.MessageView `json:"messages"`
}

// GetMessages handles GET /api/chats/{id}/messages
// Query params:
//   - limit: number of newest messages to return (default from config, max 200)
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := h.defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, h.log, apperrors.Validation(apperrors.CodeInvalidData, "limit must be between 1 and 200"))
			return
		}
		limit = n
	}

	id := IdentityFrom(r.Context())
	msgs, err := h.chats.History(r.Context(), chi.URLParam(r, "id"), id.UserID, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response := GetMessagesResponse{Messages: make([]protocol.MessageView, 0, len(msgs))}
	for _, m := range msgs {
		response.Messages = append(response.Messages, protocol.NewMessageView(m))
	}
	writeJSON(w, http.StatusOK, response)
}
