// Package websocket is the connection manager: it authenticates and
// authorizes connections, owns each session's goroutines and fans bus frames
// out to live connections.
package websocket

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/auth"
	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/metrics"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/adi-253/Talkie/chatd/internal/services"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const cleanupTimeout = 5 * time.Second

// Config holds per-session limits.
type Config struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	FrameRate         float64
	FrameBurst        int
	MaxFrameBytes     int64
	RecentLimit       int
}

// Manager owns every live session of this node.
type Manager struct {
	chats    *services.ChatService
	router   *services.MessageRouter
	presence *presence.Tracker
	hub      *bus.Hub
	verifier auth.Verifier
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      Config
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a manager. A nil clock uses time.Now.
func NewManager(
	chats *services.ChatService,
	router *services.MessageRouter,
	tracker *presence.Tracker,
	hub *bus.Hub,
	verifier auth.Verifier,
	m *metrics.Metrics,
	log *zap.Logger,
	cfg Config,
	now func() time.Time,
) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		chats:    chats,
		router:   router,
		presence: tracker,
		hub:      hub,
		verifier: verifier,
		metrics:  m,
		log:      log.With(zap.String("component", "connections")),
		cfg:      cfg,
		now:      now,
		sessions: make(map[string]*Session),
	}
}

// Connect authenticates token, authorizes the user for chatID and registers a
// session on conn. On failure nothing is registered and the returned error
// carries the close code to use.
func (m *Manager) Connect(ctx context.Context, token, chatID string, conn *websocket.Conn) (*Session, error) {
	identity, err := m.verifier.Verify(ctx, token)
	if err != nil {
		return nil, apperrors.Auth("invalid or missing token", err)
	}
	_, participant, err := m.chats.Authorize(ctx, chatID, identity.UserID)
	if err != nil {
		return nil, err
	}

	username := participant.Username
	if username == "" {
		username = identity.Username
	}
	s := m.newSession(conn, chatID, identity.UserID, username, participant.Role)
	m.register(s)

	// The confirmation is queued before subscribing so it is the first frame.
	m.deliverWelcome(ctx, s)
	m.hub.Subscribe(bus.RoomGroup(chatID), s)
	m.hub.Subscribe(bus.UserGroup(s.userID), s)
	m.presence.AddSession(ctx, chatID, s.userID, s.id)
	m.publishOnline(ctx, s, true)
	m.deliverRecent(ctx, s)

	m.metrics.SessionOpened()
	s.log.Info("session_opened", zap.String("role", string(s.role)))
	return s, nil
}

// ConnectAccount authenticates token and registers a notifications session on
// conn. The session joins only the user's private group, so it receives read
// sync, delete-for-me and moderation notices from every chat without
// appearing online in any of them.
func (m *Manager) ConnectAccount(ctx context.Context, token string, conn *websocket.Conn) (*Session, error) {
	identity, err := m.verifier.Verify(ctx, token)
	if err != nil {
		return nil, apperrors.Auth("invalid or missing token", err)
	}
	s := m.newSession(conn, "", identity.UserID, identity.Username, "")
	m.register(s)

	m.deliver(s, protocol.ConnectionEstablished{
		Header:       protocol.NewHeader(protocol.TypeConnectionEstablished, m.now()),
		ConnectionID: s.id,
		UserID:       s.userID,
	})
	m.hub.Subscribe(bus.UserGroup(s.userID), s)

	m.metrics.SessionOpened()
	s.log.Info("account_session_opened")
	return s, nil
}

func (m *Manager) newSession(conn *websocket.Conn, chatID, userID, username string, role models.Role) *Session {
	s := &Session{
		manager:  m,
		conn:     conn,
		send:     make(chan []byte, m.cfg.SendBuffer),
		done:     make(chan struct{}),
		id:       uuid.NewString(),
		chatID:   chatID,
		userID:   userID,
		username: username,
		role:     role,
		limiter:  rate.NewLimiter(rate.Limit(m.cfg.FrameRate), m.cfg.FrameBurst),
	}
	fields := []zap.Field{zap.String("user_id", userID), zap.String("conn_id", s.id)}
	if chatID != "" {
		fields = append(fields, zap.String("chat_id", chatID))
	}
	s.log = m.log.With(fields...)
	return s
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.wg.Add(1)
}

func (m *Manager) deliverWelcome(ctx context.Context, s *Session) {
	counters, err := m.presence.Unread(ctx, s.chatID, s.userID)
	if err != nil {
		s.log.Warn("unread_unavailable", zap.Error(err))
	}
	online, err := m.presence.OnlineUsers(ctx, s.chatID)
	if err != nil {
		s.log.Warn("online_users_unavailable", zap.Error(err))
	}
	if !slices.Contains(online, s.userID) {
		online = append(online, s.userID)
	}
	m.deliver(s, protocol.ConnectionEstablished{
		Header:       protocol.NewHeader(protocol.TypeConnectionEstablished, m.now()),
		ConnectionID: s.id,
		ChatID:       s.chatID,
		UserID:       s.userID,
		Role:         s.role,
		UnreadCount:  counters.Unread,
		MentionCount: counters.Mentions,
		OnlineUsers:  online,
	})
}

func (m *Manager) deliverRecent(ctx context.Context, s *Session) {
	msgs, err := m.chats.History(ctx, s.chatID, s.userID, m.cfg.RecentLimit)
	if err != nil {
		s.log.Warn("recent_messages_unavailable", zap.Error(err))
	}
	views := make([]protocol.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, protocol.NewMessageView(msg))
	}
	m.deliver(s, protocol.RecentMessages{
		Header:   protocol.NewHeader(protocol.TypeRecentMessages, m.now()),
		Messages: views,
	})
}

func (m *Manager) deliver(s *Session, frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		s.log.Error("encode_frame_failed", zap.Error(err))
		return
	}
	s.Deliver(data)
}

func (m *Manager) publishOnline(ctx context.Context, s *Session, online bool) {
	data, err := protocol.Encode(protocol.OnlineStatus{
		Header:   protocol.NewHeader(protocol.TypeOnlineStatus, m.now()),
		UserID:   s.userID,
		Username: s.username,
		IsOnline: online,
	})
	if err != nil {
		s.log.Error("encode_frame_failed", zap.Error(err))
		return
	}
	if err := m.hub.Publish(ctx, bus.RoomGroup(s.chatID), data, s.id); err != nil {
		s.log.Warn("publish_failed", zap.Error(err))
	}
}

// Disconnect tears a session down. It is idempotent: only the first call
// performs cleanup.
func (m *Manager) Disconnect(s *Session) {
	s.close(websocket.CloseNormalClosure, "")
	s.disconnect.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		m.hub.Unsubscribe(bus.UserGroup(s.userID), s.id)
		if !s.account() {
			m.router.ClearTyping(ctx, s)
			m.hub.Unsubscribe(bus.RoomGroup(s.chatID), s.id)
		}

		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()

		if !s.account() && m.lastDevice(ctx, s) {
			m.presence.MarkOffline(ctx, s.chatID, s.userID)
			m.publishOnline(ctx, s, false)
		}
		m.metrics.SessionClosed()
		code, reason := s.closeStatus()
		s.log.Info("session_closed", zap.Int("close_code", code), zap.String("reason", reason))
		m.wg.Done()
	})
}

// lastDevice reports whether s was the user's last session in its chat on any
// node. When the cache is unreachable only this node's sessions are counted.
func (m *Manager) lastDevice(ctx context.Context, s *Session) bool {
	left, err := m.presence.RemoveSession(ctx, s.chatID, s.userID, s.id)
	if err == nil {
		return left == 0
	}
	s.log.Warn("session_count_unavailable", zap.Error(err))
	others := m.find(func(o *Session) bool { return o.chatID == s.chatID && o.userID == s.userID })
	return len(others) == 0
}

// Evict closes every session of userID in chatID with code, on this node and,
// through the bus relay, on the others.
func (m *Manager) Evict(chatID, userID string, code int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := m.hub.PublishEviction(ctx, userID, bus.Eviction{ChatID: chatID, Code: code, Reason: reason})
	if err != nil {
		// Local sessions were closed; only the relay failed.
		m.log.Warn("eviction_relay_failed", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
	}
}

// Sessions returns the number of live sessions.
func (m *Manager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) find(match func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if match(s) {
			out = append(out, s)
		}
	}
	return out
}

// Shutdown closes all sessions and waits for their cleanup or ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, s := range m.find(func(*Session) bool { return true }) {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
