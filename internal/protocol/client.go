package protocol

import "github.com/adi-253/Talkie/chatd/internal/models"

// SendMessage is the send_message payload.
type SendMessage struct {
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"message_type"`
	ReplyTo     string             `json:"reply_to"`
	ForwardFrom string             `json:"forward_from"`
	Attachment  *models.Attachment `json:"attachment"`
	Poll        *models.Poll       `json:"poll"`
	Location    *models.Location   `json:"location"`
	Contact     *models.Contact    `json:"contact"`
	TTLSeconds  int                `json:"ttl_seconds"`
}

// EditMessage is the edit_message payload.
type EditMessage struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteMessage is the delete_message payload.
type DeleteMessage struct {
	MessageID         string `json:"message_id"`
	DeleteForEveryone bool   `json:"delete_for_everyone"`
}

// Reaction is the reaction payload.
type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// MarkRead is the mark_read payload.
type MarkRead struct {
	MessageID string `json:"message_id"`
}

// CallRef is the join_call, leave_call and end_call payload.
type CallRef struct {
	CallID string `json:"call_id"`
}

// StartCall is the start_call payload.
type StartCall struct {
	CallType models.CallType `json:"call_type"`
}

// Moderate is the moderate payload.
type Moderate struct {
	Action          models.ModerationAction `json:"action"`
	TargetUserID    string                  `json:"target_user_id"`
	MessageID       string                  `json:"message_id"`
	DurationSeconds int64                   `json:"duration_seconds"`
	Reason          string                  `json:"reason"`
	Role            models.Role             `json:"role"`
	Permissions     []string                `json:"permissions"`
}
