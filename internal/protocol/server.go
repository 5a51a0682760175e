package protocol

import (
	"time"

	"github.com/adi-253/Talkie/chatd/internal/models"
)

// MessageView is the client-facing shape of a message.
type MessageView struct {
	ID           string               `json:"id"`
	ChatID       string               `json:"chat_id"`
	Seq          int64                `json:"seq"`
	SenderID     string               `json:"sender_id,omitempty"`
	Type         models.MessageType   `json:"message_type"`
	Content      string               `json:"content"`
	Status       models.MessageStatus `json:"status"`
	ReplyTo      string               `json:"reply_to,omitempty"`
	ForwardFrom  string               `json:"forward_from,omitempty"`
	Attachment   *models.Attachment   `json:"attachment,omitempty"`
	Poll         *models.Poll         `json:"poll,omitempty"`
	Location     *models.Location     `json:"location,omitempty"`
	Contact      *models.Contact      `json:"contact,omitempty"`
	Reactions    map[string][]string  `json:"reactions"`
	Mentions     []string             `json:"mentions,omitempty"`
	EditCount    int                  `json:"edit_count"`
	EditedAt     *time.Time           `json:"edited_at,omitempty"`
	AutoDeleteAt *time.Time           `json:"auto_delete_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// NewMessageView projects m for clients. Original content is never exposed.
func NewMessageView(m *models.Message) MessageView {
	reactions := m.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	return MessageView{
		ID:           m.ID,
		ChatID:       m.ChatID,
		Seq:          m.Seq,
		SenderID:     m.SenderID,
		Type:         m.Type,
		Content:      m.Content,
		Status:       m.Status,
		ReplyTo:      m.ReplyToID,
		ForwardFrom:  m.ForwardFromID,
		Attachment:   m.Attachment,
		Poll:         m.Poll,
		Location:     m.Location,
		Contact:      m.Contact,
		Reactions:    reactions,
		Mentions:     m.Mentions,
		EditCount:    m.EditCount,
		EditedAt:     m.EditedAt,
		AutoDeleteAt: m.AutoDeleteAt,
		CreatedAt:    m.CreatedAt,
	}
}

type ConnectionEstablished struct {
	Header
	ConnectionID string      `json:"connection_id"`
	ChatID       string      `json:"chat_id,omitempty"`
	UserID       string      `json:"user_id"`
	Role         models.Role `json:"role,omitempty"`
	UnreadCount  int         `json:"unread_count"`
	MentionCount int         `json:"mention_count"`
	OnlineUsers  []string    `json:"online_users,omitempty"`
}

type RecentMessages struct {
	Header
	Messages []MessageView `json:"messages"`
}

type ChatMessage struct {
	Header
	Message MessageView `json:"message"`
}

type MessageEdited struct {
	Header
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditCount int       `json:"edit_count"`
	EditedAt  time.Time `json:"edited_at"`
	EditedBy  string    `json:"edited_by"`
}

type MessageDeleted struct {
	Header
	MessageID         string `json:"message_id"`
	DeleteForEveryone bool   `json:"delete_for_everyone"`
	DeletedBy         string `json:"deleted_by,omitempty"`
}

type MessageRead struct {
	Header
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

type TypingIndicator struct {
	Header
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type OnlineStatus struct {
	Header
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

type ReactionUpdate struct {
	Header
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Emoji     string         `json:"emoji"`
	Added     bool           `json:"added"`
	Reactions map[string]int `json:"reactions"`
}

type ModerationAction struct {
	Header
	Action          models.ModerationAction `json:"action"`
	ModeratorID     string                  `json:"moderator_id"`
	TargetUserID    string                  `json:"target_user_id,omitempty"`
	MessageID       string                  `json:"message_id,omitempty"`
	Reason          string                  `json:"reason,omitempty"`
	DurationSeconds int64                   `json:"duration_seconds,omitempty"`
	NewValue        string                  `json:"new_value,omitempty"`
}

type PollCreated struct {
	Header
	MessageID string       `json:"message_id"`
	SenderID  string       `json:"sender_id"`
	Poll      *models.Poll `json:"poll"`
}

type CallStarted struct {
	Header
	CallID      string          `json:"call_id"`
	InitiatorID string          `json:"initiator_id"`
	CallType    models.CallType `json:"call_type"`
}

type CallEnded struct {
	Header
	CallID          string `json:"call_id"`
	EndedBy         string `json:"ended_by"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// Membership is used for both participant_joined and participant_left.
type Membership struct {
	Header
	UserID   string      `json:"user_id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

// CallParticipant is used for both call_participant_joined and call_participant_left.
type CallParticipant struct {
	Header
	CallID   string `json:"call_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Error reports an in-session failure. The connection stays open.
type Error struct {
	Header
	Code      string `json:"error_code"`
	Message   string `json:"message"`
	Remaining int    `json:"remaining,omitempty"`
}

// Heartbeat is sent periodically so idle clients can detect a dead link.
type Heartbeat struct {
	Header
}

type Pong struct {
	Header
}
