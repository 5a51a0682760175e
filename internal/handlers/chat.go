package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/services"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ChatHandler contains HTTP handlers for chat membership and summaries.
// Live traffic goes over the websocket; these routes serve setup and
// clients that cannot hold a connection.
type ChatHandler struct {
	chats *services.ChatService
	log   *zap.Logger
}

// NewChatHandler creates a new ChatHandler instance.
func NewChatHandler(chats *services.ChatService, log *zap.Logger) *ChatHandler {
	return &ChatHandler{chats: chats, log: log.With(zap.String("component", "http"))}
}

// CreateChatResponse is returned by CreateChat.
type CreateChatResponse struct {
	Chat        *models.Chat        `json:"chat"`
	Participant *models.Participant `json:"participant"`
}

// CreateChat handles POST /api/chats
// Creates a chat owned by the caller.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var req services.NewChat
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, apperrors.Validation(apperrors.CodeInvalidJSON, "invalid request body"))
		return
	}
	chat, owner, err := h.chats.CreateChat(r.Context(), id.UserID, id.Username, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateChatResponse{Chat: chat, Participant: owner})
}

// GetChat handles GET /api/chats/{id}
// Returns the chat with reconciled counters and the caller's unread state.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	summary, err := h.chats.Summary(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// JoinChat handles POST /api/chats/{id}/join
func (h *ChatHandler) JoinChat(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	p, err := h.chats.JoinChat(r.Context(), chi.URLParam(r, "id"), id.UserID, id.Username)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// LeaveChat handles POST /api/chats/{id}/leave
func (h *ChatHandler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	if err := h.chats.LeaveChat(r.Context(), chi.URLParam(r, "id"), id.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (h *ChatHandler) writeError(w http.ResponseWriter, err error) {
	writeError(w, h.log, err)
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal("unexpected failure", err)
	}
	msg := appErr.Message
	if appErr.Kind == apperrors.KindInternal {
		log.Error("request_failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, statusFor(appErr.Kind), ErrorResponse{Code: appErr.Code, Message: msg})
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindAuth:
		return http.StatusUnauthorized
	case apperrors.KindAuthorization, apperrors.KindPermission:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON is a helper function to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

