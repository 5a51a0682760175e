package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/cache"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/notify"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeCaller is a session double that records every frame it receives.
type fakeCaller struct {
	connID, userID, username, chatID string

	mu      sync.Mutex
	frames  [][]byte
	typing  func()
	pending bool
}

func (c *fakeCaller) ID() string       { return c.connID }
func (c *fakeCaller) ConnID() string   { return c.connID }
func (c *fakeCaller) UserID() string   { return c.userID }
func (c *fakeCaller) Username() string { return c.username }
func (c *fakeCaller) ChatID() string   { return c.chatID }

func (c *fakeCaller) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeCaller) ScheduleTypingStop(_ time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = fn
	c.pending = true
}

func (c *fakeCaller) CancelTypingStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.pending
	c.typing = nil
	c.pending = false
	return was
}

// fireTyping runs the pending typing timer as if it elapsed.
func (c *fakeCaller) fireTyping() {
	c.mu.Lock()
	fn := c.typing
	c.typing = nil
	c.pending = false
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// framesOf decodes the received frames of type typ.
func (c *fakeCaller) framesOf(t *testing.T, typ string) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type notification struct {
	userID  string
	payload notify.Payload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, p notify.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{userID: userID, payload: p})
}

func (n *recordingNotifier) sentTo(userID string) []notify.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Payload
	for _, s := range n.sent {
		if s.userID == userID {
			out = append(out, s.payload)
		}
	}
	return out
}

type eviction struct {
	chatID, userID string
	code           int
}

type evictorSpy struct {
	mu      sync.Mutex
	evicted []eviction
}

func (e *evictorSpy) Evict(chatID, userID string, code int, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, eviction{chatID: chatID, userID: userID, code: code})
}

type testEnv struct {
	t          *testing.T
	ctx        context.Context
	clock      *fakeClock
	store      *store.Memory
	hub        *bus.Hub
	presence   *presence.Tracker
	notifier   *recordingNotifier
	evictor    *evictorSpy
	router     *MessageRouter
	moderation *ModerationEngine
	chats      *ChatService
	deps       Deps
	chat       *models.Chat
}

func newTestEnv(t *testing.T, mods ...func(*models.Chat)) *testEnv {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	hub := bus.NewHub(zap.NewNop())
	tracker := presence.New(cache.NewMemory(clock.Now), st, presence.Config{
		OnlineTTL:           5 * time.Minute,
		ParticipantCountTTL: 5 * time.Minute,
		UnreadTTL:           time.Hour,
	}, zap.NewNop(), clock.Now)
	notifier := &recordingNotifier{}
	deps := Deps{
		Store:    st,
		Presence: tracker,
		Bus:      hub,
		Notifier: notifier,
		Log:      zap.NewNop(),
		Now:      clock.Now,
	}
	moderation := NewModerationEngine(deps)
	evictor := &evictorSpy{}
	moderation.SetEvictor(evictor)
	chats := NewChatService(deps)
	chats.SetEvictor(evictor)

	chat := &models.Chat{
		ID:        "chat-x",
		Type:      models.ChatGroup,
		Status:    models.ChatActive,
		Title:     "Team",
		IsPublic:  true,
		CreatedBy: "alice",
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	}
	for _, m := range mods {
		m(chat)
	}
	ctx := context.Background()
	require.NoError(t, st.CreateChat(ctx, chat))

	return &testEnv{
		t:          t,
		ctx:        ctx,
		clock:      clock,
		store:      st,
		hub:        hub,
		presence:   tracker,
		notifier:   notifier,
		evictor:    evictor,
		router:     NewMessageRouter(deps, moderation, RouterConfig{EditWindow: 48 * time.Hour, TypingTimeout: 5 * time.Second}),
		moderation: moderation,
		chats:      chats,
		deps:       deps,
		chat:       chat,
	}
}

func (e *testEnv) join(userID string, role models.Role) *models.Participant {
	e.t.Helper()
	p := models.NewParticipant(e.chat.ID, userID, userID, role, e.clock.Now())
	require.NoError(e.t, e.store.AddParticipant(e.ctx, p))
	return p
}

func (e *testEnv) participant(userID string) *models.Participant {
	e.t.Helper()
	p, err := e.store.GetParticipant(e.ctx, e.chat.ID, userID)
	require.NoError(e.t, err)
	return p
}

// connect subscribes a fake session the way the connection manager does.
func (e *testEnv) connect(userID, connID string) *fakeCaller {
	c := &fakeCaller{connID: connID, userID: userID, username: userID, chatID: e.chat.ID}
	e.hub.Subscribe(bus.RoomGroup(e.chat.ID), c)
	e.hub.Subscribe(bus.UserGroup(userID), c)
	e.presence.MarkOnline(e.ctx, e.chat.ID, userID)
	return c
}

func (e *testEnv) send(c *fakeCaller, frame string) error {
	return e.router.Dispatch(e.ctx, c, []byte(frame))
}
