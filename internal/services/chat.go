package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/bus"
	"github.com/adi-253/Talkie/chatd/internal/presence"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxTitleLength = 255

// ChatService handles chat lifecycle and membership outside a live session.
// It is shared by the HTTP handlers and the connection manager.
type ChatService struct {
	emitter
	store    store.Store
	presence *presence.Tracker
	evictor  Evictor
	log      *zap.Logger
	now      func() time.Time
}

// NewChatService creates a new ChatService instance.
func NewChatService(d Deps) *ChatService {
	log := d.Log.With(zap.String("component", "chats"))
	return &ChatService{
		emitter:  emitter{bus: d.Bus, log: log},
		store:    d.Store,
		presence: d.Presence,
		log:      log,
		now:      d.clock(),
	}
}

// SetEvictor wires the connection manager in after construction.
func (s *ChatService) SetEvictor(ev Evictor) { s.evictor = ev }

// NewChat describes a chat to create.
type NewChat struct {
	Type             models.ChatType `json:"type"`
	Title            string          `json:"title"`
	IsPublic         bool            `json:"is_public"`
	SlowModeDelay    int             `json:"slow_mode_delay"`
	MaxMembers       int             `json:"max_members"`
	ProtectedContent bool            `json:"protected_content"`
}

// Summary is a chat with reconciled counters as seen by one participant.
type Summary struct {
	Chat         *models.Chat        `json:"chat"`
	Participant  *models.Participant `json:"participant"`
	OnlineUsers  []string            `json:"online_users"`
	UnreadCount  int                 `json:"unread_count"`
	MentionCount int                 `json:"mention_count"`
}

// CreateChat stores a new chat. The creator becomes its owner.
func (s *ChatService) CreateChat(ctx context.Context, userID, username string, req NewChat) (*models.Chat, *models.Participant, error) {
	if req.Type == "" {
		req.Type = models.ChatGroup
	}
	if !req.Type.Valid() {
		return nil, nil, apperrors.Validation(apperrors.CodeInvalidData, "unknown chat type")
	}
	if !models.ValidSlowModeDelay(req.SlowModeDelay) {
		return nil, nil, apperrors.Validation(apperrors.CodeInvalidData, "slow_mode_delay must be one of 0, 10, 30, 60, 300, 900, 3600")
	}
	if req.MaxMembers < 0 {
		return nil, nil, apperrors.Validation(apperrors.CodeInvalidData, "max_members must not be negative")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled Chat"
	}
	if len(title) > maxTitleLength {
		return nil, nil, apperrors.Validation(apperrors.CodeInvalidData, "title is too long")
	}

	now := s.now().UTC()
	chat := &models.Chat{
		ID:               uuid.NewString(),
		Type:             req.Type,
		Status:           models.ChatActive,
		Title:            title,
		IsPublic:         req.IsPublic,
		SlowModeDelay:    req.SlowModeDelay,
		MaxMembers:       req.MaxMembers,
		ProtectedContent: req.ProtectedContent,
		ParticipantCount: 1,
		CreatedBy:        userID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, nil, apperrors.Internal("failed to create chat", err)
	}
	owner := models.NewParticipant(chat.ID, userID, username, models.RoleOwner, now)
	if err := s.store.AddParticipant(ctx, owner); err != nil {
		return nil, nil, apperrors.Internal("failed to add chat owner", err)
	}
	s.log.Info("chat_created", zap.String("chat_id", chat.ID), zap.String("user_id", userID), zap.String("type", string(chat.Type)))
	return chat, owner, nil
}

// JoinChat adds the user to a public chat. Users who left or were kicked are
// reactivated with their previous role; banned users are rejected until the
// ban expires.
func (s *ChatService) JoinChat(ctx context.Context, chatID, userID, username string) (*models.Participant, error) {
	chat, err := s.visibleChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	existing, err := s.store.GetParticipant(ctx, chatID, userID)
	switch {
	case err == nil:
		if existing.CanAccess(now) {
			return existing, nil
		}
		if existing.EffectiveStatus(now) == models.StatusBanned {
			return nil, apperrors.Authorization("you are banned from this chat")
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, classify(err, nil)
	}
	if !chat.IsPublic {
		return nil, apperrors.Authorization("this chat is private")
	}
	if chat.MaxMembers > 0 {
		n, err := s.presence.ParticipantCount(ctx, chatID)
		if err != nil {
			return nil, apperrors.Internal("failed to count participants", err)
		}
		if n >= chat.MaxMembers {
			return nil, apperrors.Permission(apperrors.CodePermissionDenied, "this chat is full")
		}
	}

	var p *models.Participant
	if existing != nil {
		p, err = s.store.UpdateParticipant(ctx, chatID, userID, func(q *models.Participant) error {
			q.Status = models.StatusActive
			q.BannedUntil = nil
			q.RestrictedUntil = nil
			q.Username = username
			if q.Permissions == 0 {
				q.Permissions = models.DefaultPermissions(q.Role)
			}
			q.UpdatedAt = now
			return nil
		})
	} else {
		p = models.NewParticipant(chatID, userID, username, models.RoleMember, now)
		// Read receipts start at the current tail so history is not unread.
		p.LastReadSeq = chat.LastSeq
		err = s.store.AddParticipant(ctx, p)
	}
	if err != nil {
		return nil, classify(err, nil)
	}
	s.presence.InvalidateParticipantCount(ctx, chatID)
	s.publishMembership(ctx, protocol.TypeParticipantJoined, p, now)
	s.log.Info("chat_joined", zap.String("chat_id", chatID), zap.String("user_id", userID))
	return p, nil
}

// LeaveChat marks the caller's membership as left and closes the caller's
// sessions in the chat. The owner cannot leave.
func (s *ChatService) LeaveChat(ctx context.Context, chatID, userID string) error {
	now := s.now().UTC()
	p, err := s.store.UpdateParticipant(ctx, chatID, userID, func(p *models.Participant) error {
		if p.Role == models.RoleOwner {
			return apperrors.Permission(apperrors.CodePermissionDenied, "the owner cannot leave the chat")
		}
		if !p.CanAccess(now) {
			return apperrors.Authorization("you are not a participant of this chat")
		}
		p.Status = models.StatusLeft
		p.TypingUntil = nil
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return classify(err, apperrors.Authorization("you are not a participant of this chat"))
	}
	s.presence.InvalidateParticipantCount(ctx, chatID)
	s.publishMembership(ctx, protocol.TypeParticipantLeft, p, now)
	if s.evictor != nil {
		s.evictor.Evict(chatID, userID, protocol.ClosePolicyViolation, "left the chat")
	}
	s.log.Info("chat_left", zap.String("chat_id", chatID), zap.String("user_id", userID))
	return nil
}

func (s *ChatService) publishMembership(ctx context.Context, typ string, p *models.Participant, now time.Time) {
	s.publish(ctx, bus.RoomGroup(p.ChatID), protocol.Membership{
		Header:   protocol.NewHeader(typ, now),
		UserID:   p.UserID,
		Username: p.Username,
		Role:     p.Role,
	}, "")
}

// Authorize resolves the chat and the user's participant row, requiring
// read access. It creates no state.
func (s *ChatService) Authorize(ctx context.Context, chatID, userID string) (*models.Chat, *models.Participant, error) {
	chat, err := s.visibleChat(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.store.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, nil, classify(err, apperrors.Authorization("you are not a participant of this chat"))
	}
	if !p.CanAccess(s.now()) {
		return nil, nil, apperrors.Authorization("your membership in this chat is not active")
	}
	return chat, p, nil
}

func (s *ChatService) visibleChat(ctx context.Context, chatID string) (*models.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, classify(err, apperrors.NotFound(apperrors.CodeChatNotFound, "chat not found"))
	}
	if !chat.Visible() {
		return nil, apperrors.NotFound(apperrors.CodeChatNotFound, "chat not found")
	}
	return chat, nil
}

// Summary returns the chat with counters reconciled against the directory and
// the presence cache, plus the caller's unread counters.
func (s *ChatService) Summary(ctx context.Context, chatID, userID string) (*Summary, error) {
	chat, p, err := s.Authorize(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if n, err := s.presence.ParticipantCount(ctx, chatID); err == nil {
		chat.ParticipantCount = n
	} else {
		s.log.Warn("participant_count_unavailable", zap.String("chat_id", chatID), zap.Error(err))
	}
	online, err := s.presence.OnlineUsers(ctx, chatID)
	if err != nil {
		s.log.Warn("online_users_unavailable", zap.String("chat_id", chatID), zap.Error(err))
	}
	if online == nil {
		online = []string{}
	}
	chat.OnlineCount = len(online)

	counters, err := s.presence.Unread(ctx, chatID, userID)
	if err != nil {
		return nil, apperrors.Internal("failed to load unread counters", err)
	}
	return &Summary{
		Chat:         chat,
		Participant:  p,
		OnlineUsers:  online,
		UnreadCount:  counters.Unread,
		MentionCount: counters.Mentions,
	}, nil
}

// History returns the newest limit messages visible to the user, oldest first.
func (s *ChatService) History(ctx context.Context, chatID, userID string, limit int) ([]*models.Message, error) {
	if _, _, err := s.Authorize(ctx, chatID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.RecentMessages(ctx, chatID, userID, limit)
	if err != nil {
		return nil, apperrors.Internal("failed to load messages", err)
	}
	return msgs, nil
}
