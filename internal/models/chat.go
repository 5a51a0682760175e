package models

import "time"

// ChatType is the kind of room.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
	ChatSecret     ChatType = "secret"
	ChatForum      ChatType = "forum"
	ChatBot        ChatType = "bot"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	switch t {
	case ChatPrivate, ChatGroup, ChatSupergroup, ChatChannel, ChatSecret, ChatForum, ChatBot:
		return true
	}
	return false
}

// ChatStatus is the lifecycle state of a chat. Chats are never hard-deleted.
type ChatStatus string

const (
	ChatActive     ChatStatus = "active"
	ChatArchived   ChatStatus = "archived"
	ChatMuted      ChatStatus = "muted"
	ChatDeleted    ChatStatus = "deleted"
	ChatRestricted ChatStatus = "restricted"
)

// SlowModeDelays lists the accepted slow-mode delays in seconds.
var SlowModeDelays = []int{0, 10, 30, 60, 300, 900, 3600}

// ValidSlowModeDelay reports whether d is one of SlowModeDelays.
func ValidSlowModeDelay(d int) bool {
	for _, v := range SlowModeDelays {
		if v == d {
			return true
		}
	}
	return false
}

// Chat represents a room and its denormalized counters.
type Chat struct {
	// ID is the unique identifier for this chat
	ID string `json:"id"`

	Type   ChatType   `json:"type"`
	Status ChatStatus `json:"status"`
	Title  string     `json:"title"`

	// IsPublic and IsVerified are visibility flags
	IsPublic   bool `json:"is_public"`
	IsVerified bool `json:"is_verified"`

	// SlowModeDelay is the minimum gap between two messages of one sender, in seconds
	SlowModeDelay int `json:"slow_mode_delay"`

	MaxMembers       int  `json:"max_members"`
	ProtectedContent bool `json:"protected_content"`

	// Counters below are denormalized and reconciled on read when the cache is cold
	MessageCount     int64 `json:"message_count"`
	ParticipantCount int   `json:"participant_count"`
	OnlineCount      int   `json:"online_count"`

	LastMessageID string     `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`

	// LastSeq is the sequence number of the newest message in the chat
	LastSeq int64 `json:"last_seq"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SlowMode returns the slow-mode delay as a duration.
func (c *Chat) SlowMode() time.Duration {
	return time.Duration(c.SlowModeDelay) * time.Second
}

// Visible reports whether the chat can be joined or read.
func (c *Chat) Visible() bool {
	return c.Status != ChatDeleted
}

// AcceptsMessages reports whether new messages may be posted.
func (c *Chat) AcceptsMessages() bool {
	return c.Status == ChatActive || c.Status == ChatMuted
}

// Clone returns a deep copy.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.LastMessageAt = cloneTime(c.LastMessageAt)
	return &cp
}
