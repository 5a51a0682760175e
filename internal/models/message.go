package models

import (
	"sort"
	"time"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessagePhoto     MessageType = "photo"
	MessageVideo     MessageType = "video"
	MessageAudio     MessageType = "audio"
	MessageVoice     MessageType = "voice"
	MessageDocument  MessageType = "document"
	MessageSticker   MessageType = "sticker"
	MessageAnimation MessageType = "animation"
	MessageLocation  MessageType = "location"
	MessageContact   MessageType = "contact"
	MessagePoll      MessageType = "poll"
	MessageCall      MessageType = "call"
	MessageSystem    MessageType = "system"
)

var knownTypes = map[MessageType]bool{
	MessageText: true, MessagePhoto: true, MessageVideo: true, MessageAudio: true,
	MessageVoice: true, MessageDocument: true, MessageSticker: true, MessageAnimation: true,
	MessageLocation: true, MessageContact: true, MessagePoll: true, MessageCall: true,
	MessageSystem: true,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool { return knownTypes[t] }

// Editable reports whether messages of type t may be edited after sending.
func (t MessageType) Editable() bool {
	switch t {
	case MessageText, MessagePhoto, MessageVideo, MessageDocument:
		return true
	}
	return false
}

// IsMedia reports whether t carries an attachment.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessagePhoto, MessageVideo, MessageAudio, MessageVoice, MessageDocument, MessageAnimation:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageEdited    MessageStatus = "edited"
	MessageDeleted   MessageStatus = "deleted"
	MessageFailed    MessageStatus = "failed"
)

// Visible reports whether messages in status s appear in history pages.
func (s MessageStatus) Visible() bool {
	switch s {
	case MessageSent, MessageDelivered, MessageRead, MessageEdited:
		return true
	}
	return false
}

// DeletedPlaceholder replaces the content of a message deleted for everyone.
const DeletedPlaceholder = "This message was deleted"

// MaxContentLength bounds the text content of one message.
const MaxContentLength = 4096

// Attachment references an externally stored file.
type Attachment struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Poll is the structured payload of a poll message.
type Poll struct {
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	Anonymous      bool     `json:"anonymous"`
	MultipleChoice bool     `json:"multiple_choice"`
}

// Location is the structured payload of a location message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Contact is the structured payload of a contact message.
type Contact struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// Message is an ordered event in a chat.
type Message struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`

	// Seq is the per-chat monotonic sequence number assigned on append
	Seq int64 `json:"seq"`

	// SenderID is empty for system messages
	SenderID string        `json:"sender_id,omitempty"`
	Type     MessageType   `json:"type"`
	Content  string        `json:"content"`
	Status   MessageStatus `json:"status"`

	ReplyToID     string `json:"reply_to,omitempty"`
	ForwardFromID string `json:"forward_from,omitempty"`

	Attachment *Attachment `json:"attachment,omitempty"`
	Poll       *Poll       `json:"poll,omitempty"`
	Location   *Location   `json:"location,omitempty"`
	Contact    *Contact    `json:"contact,omitempty"`

	// Reactions maps an emoji to the users who reacted with it
	Reactions map[string][]string `json:"reactions,omitempty"`
	Mentions  []string            `json:"mentions,omitempty"`

	OriginalContent string     `json:"original_content,omitempty"`
	EditCount       int        `json:"edit_count"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`

	// HiddenFor lists users who deleted the message for themselves
	HiddenFor []string `json:"hidden_for,omitempty"`

	AutoDeleteAt *time.Time `json:"auto_delete_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeletedBy    string     `json:"deleted_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// HasPayload reports whether the message carries text, an attachment or a structured payload.
func (m *Message) HasPayload() bool {
	return m.Content != "" || m.Attachment != nil || m.Poll != nil || m.Location != nil || m.Contact != nil
}

// ToggleReaction adds userID to the emoji set, or removes it if already present.
// It reports whether the reaction was added.
func (m *Message) ToggleReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := m.Reactions[emoji]
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return false
		}
	}
	m.Reactions[emoji] = append(users, userID)
	return true
}

// ReactionSummary returns the reaction count per emoji.
func (m *Message) ReactionSummary() map[string]int {
	summary := make(map[string]int, len(m.Reactions))
	for emoji, users := range m.Reactions {
		summary[emoji] = len(users)
	}
	return summary
}

// HiddenForUser reports whether userID deleted the message for themselves.
func (m *Message) HiddenForUser(userID string) bool {
	for _, u := range m.HiddenFor {
		if u == userID {
			return true
		}
	}
	return false
}

// HideFor records a delete-for-me by userID. It is idempotent.
func (m *Message) HideFor(userID string) {
	if !m.HiddenForUser(userID) {
		m.HiddenFor = append(m.HiddenFor, userID)
		sort.Strings(m.HiddenFor)
	}
}

// Redact soft-deletes the message for everyone. The row is kept.
func (m *Message) Redact(by string, now time.Time) {
	m.Status = MessageDeleted
	m.Content = DeletedPlaceholder
	m.OriginalContent = ""
	m.Attachment = nil
	m.Poll = nil
	m.Location = nil
	m.Contact = nil
	m.Reactions = nil
	m.DeletedBy = by
	m.DeletedAt = &now
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.Poll != nil {
		p := *m.Poll
		p.Options = append([]string(nil), m.Poll.Options...)
		c.Poll = &p
	}
	if m.Location != nil {
		l := *m.Location
		c.Location = &l
	}
	if m.Contact != nil {
		ct := *m.Contact
		c.Contact = &ct
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = append([]string(nil), v...)
		}
	}
	c.Mentions = append([]string(nil), m.Mentions...)
	c.HiddenFor = append([]string(nil), m.HiddenFor...)
	c.EditedAt = cloneTime(m.EditedAt)
	c.AutoDeleteAt = cloneTime(m.AutoDeleteAt)
	c.DeletedAt = cloneTime(m.DeletedAt)
	return &c
}
