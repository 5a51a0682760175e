package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/auth"
	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/cache"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/notify"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/services"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiServer struct {
	t        *testing.T
	store    *store.Memory
	verifier *auth.JWTVerifier
	srv      *httptest.Server
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	log := zap.NewNop()
	st := store.NewMemory()
	tracker := presence.New(cache.NewMemory(nil), st, presence.Config{
		OnlineTTL:           time.Minute,
		ParticipantCountTTL: time.Minute,
		UnreadTTL:           time.Hour,
	}, log, nil)
	deps := services.Deps{Store: st, Presence: tracker, Bus: bus.NewHub(log), Notifier: notify.NewLog(log), Log: log}
	chats := services.NewChatService(deps)
	verifier := auth.NewJWTVerifier("test-secret", "")

	chatHandler := NewChatHandler(chats, log)
	messageHandler := NewMessageHandler(chats, 50, log)

	r := chi.NewRouter()
	r.Get("/health", NewHealthHandler(st, cache.NewMemory(nil)).HealthCheck)
	r.Route("/api/chats", func(r chi.Router) {
		r.Use(RequireIdentity(verifier, log))
		r.Post("/", chatHandler.CreateChat)
		r.Get("/{id}", chatHandler.GetChat)
		r.Post("/{id}/join", chatHandler.JoinChat)
		r.Post("/{id}/leave", chatHandler.LeaveChat)
		r.Get("/{id}/messages", messageHandler.GetMessages)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiServer{t: t, store: st, verifier: verifier, srv: srv}
}

func (a *apiServer) do(method, path, userID, body string) *http.Response {
	a.t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(a.t, err)
	if userID != "" {
		token, err := a.verifier.Issue(userID, userID, time.Hour)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (a *apiServer) createChat(userID, body string) string {
	a.t.Helper()
	resp := a.do(http.MethodPost, "/api/chats", userID, body)
	require.Equal(a.t, http.StatusCreated, resp.StatusCode)
	return decode[CreateChatResponse](a.t, resp).Chat.ID
}

func TestHealthCheck(t *testing.T) {
	a := newAPIServer(t)
	resp := a.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["store"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthCheckReportsDependencies(t *testing.T) {
	tests := []struct {
		name       string
		store      Pinger
		cache      Pinger
		wantCode   int
		wantStatus string
	}{
		{"cache down", store.NewMemory(), failingPinger{}, http.StatusOK, "degraded"},
		{"store down", failingPinger{}, cache.NewMemory(nil), http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.store, tt.cache).HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			var body HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}

func TestRequiresBearerToken(t *testing.T) {
	a := newAPIServer(t)
	resp := a.do(http.MethodPost, "/api/chats", "", `{"title":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", decode[ErrorResponse](t, resp).Code)
}

func TestCreateChatMakesCallerOwner(t *testing.T) {
	a := newAPIServer(t)
	resp := a.do(http.MethodPost, "/api/chats", "alice", `{"title":"Book club","is_public":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode[CreateChatResponse](t, resp)
	assert.Equal(t, "Book club", body.Chat.Title)
	assert.Equal(t, models.ChatGroup, body.Chat.Type)
	assert.Equal(t, models.RoleOwner, body.Participant.Role)
}

func TestCreateChatRejectsBadBody(t *testing.T) {
	a := newAPIServer(t)
	resp := a.do(http.MethodPost, "/api/chats", "alice", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_json", decode[ErrorResponse](t, resp).Code)
}

func TestJoinLeaveAndSummary(t *testing.T) {
	a := newAPIServer(t)
	chatID := a.createChat("alice", `{"title":"Open","is_public":true}`)

	resp := a.do(http.MethodGet, "/api/chats/"+chatID, "bob", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(http.MethodPost, "/api/chats/"+chatID+"/join", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.RoleMember, decode[models.Participant](t, resp).Role)

	resp = a.do(http.MethodGet, "/api/chats/"+chatID, "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[services.Summary](t, resp)
	assert.Equal(t, 2, summary.Chat.ParticipantCount)
	assert.Equal(t, []string{}, summary.OnlineUsers)

	resp = a.do(http.MethodPost, "/api/chats/"+chatID+"/leave", "bob", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = a.do(http.MethodPost, "/api/chats/"+chatID+"/leave", "alice", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetChatNotFound(t *testing.T) {
	a := newAPIServer(t)
	resp := a.do(http.MethodGet, "/api/chats/missing", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "chat_not_found", decode[ErrorResponse](t, resp).Code)
}

func TestGetMessages(t *testing.T) {
	a := newAPIServer(t)
	chatID := a.createChat("alice", `{"title":"History"}`)
	for i, content := range []string{"one", "two", "three"} {
		_, err := a.store.AppendMessage(context.Background(), &models.Message{
			ID:        fmt.Sprintf("m%d", i),
			ChatID:    chatID,
			SenderID:  "alice",
			Type:      models.MessageText,
			Content:   content,
			Status:    models.MessageSent,
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	resp := a.do(http.MethodGet, "/api/chats/"+chatID+"/messages?limit=2", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[GetMessagesResponse](t, resp)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "two", body.Messages[0].Content)
	assert.Equal(t, "three", body.Messages[1].Content)

	for _, limit := range []string{"0", "abc", "500"} {
		resp = a.do(http.MethodGet, "/api/chats/"+chatID+"/messages?limit="+limit, "alice", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, limit)
	}
}
