// Package store defines the durable record of chats, participants, messages,
// moderation log entries and calls. Every mutation is atomic per row: update
// functions run while the row is held, so a read-check-write never interleaves
// with another writer of the same row.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a row already exists or a uniqueness rule fails.
	ErrConflict = errors.New("store: conflict")
)

// Store is the durable store consumed by the chat engine.
type Store interface {
	ChatStore
	ParticipantStore
	MessageStore
	ModerationLog
	CallStore
	Ping(ctx context.Context) error
	Close() error
}

// ChatStore persists chats.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	UpdateChat(ctx context.Context, chatID string, fn func(*models.Chat) error) (*models.Chat, error)
}

// ParticipantStore is the Participant Directory.
type ParticipantStore interface {
	// AddParticipant inserts a row; a second row for the same (chat, user) is a conflict.
	AddParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error)
	ListParticipants(ctx context.Context, chatID string) ([]*models.Participant, error)
	// UpdateParticipant applies fn to the row. An error from fn aborts the write and is returned as is.
	UpdateParticipant(ctx context.Context, chatID, userID string, fn func(*models.Participant) error) (*models.Participant, error)
	// CountActiveParticipants counts rows whose effective status at now is active or restricted.
	CountActiveParticipants(ctx context.Context, chatID string, now time.Time) (int, error)
	// MarkRead advances the read pointer to seq and recounts unread messages in one step.
	MarkRead(ctx context.Context, chatID, userID string, seq int64, messageID string, now time.Time) (*models.Participant, error)
}

// MessageStore is the ordered message log of each chat.
type MessageStore interface {
	// AppendMessage assigns the next chat sequence number, stores the message and
	// bumps the chat's message counter and last message reference atomically.
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, chatID, messageID string) (*models.Message, error)
	UpdateMessage(ctx context.Context, chatID, messageID string, fn func(*models.Message) error) (*models.Message, error)
	// RecentMessages returns up to limit visible messages for viewerID, oldest first.
	RecentMessages(ctx context.Context, chatID, viewerID string, limit int) ([]*models.Message, error)
	// CountUnread counts visible messages after seq not sent by userID.
	CountUnread(ctx context.Context, chatID, userID string, afterSeq int64) (int, error)
	// ExpiredMessages lists undeleted messages whose auto-delete time passed.
	ExpiredMessages(ctx context.Context, now time.Time, limit int) ([]*models.Message, error)
}

// ModerationLog is the append-only audit trail.
type ModerationLog interface {
	AppendModerationLog(ctx context.Context, entry *models.ModerationLogEntry) error
	ListModerationLog(ctx context.Context, chatID string, limit int) ([]*models.ModerationLogEntry, error)
}

// CallStore persists calls. At most one call per chat is active.
type CallStore interface {
	CreateCall(ctx context.Context, call *models.Call) error
	GetCall(ctx context.Context, chatID, callID string) (*models.Call, error)
	ActiveCall(ctx context.Context, chatID string) (*models.Call, error)
	UpdateCall(ctx context.Context, chatID, callID string, fn func(*models.Call) error) (*models.Call, error)
}

// Compile-time checks.
var (
	_ Store = (*Memory)(nil)
)
