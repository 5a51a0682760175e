package models

import "time"

// ModerationAction is the kind of an administrative action.
type ModerationAction string

const (
	ActionBan        ModerationAction = "ban_user"
	ActionUnban      ModerationAction = "unban_user"
	ActionRestrict   ModerationAction = "restrict_user"
	ActionUnrestrict ModerationAction = "unrestrict_user"
	ActionPromote    ModerationAction = "promote_user"
	ActionDemote     ModerationAction = "demote_user"
	ActionKick       ModerationAction = "kick_user"
	ActionDelete     ModerationAction = "delete_message"
)

// RequiredPermission returns the capability an actor needs to perform a.
func (a ModerationAction) RequiredPermission() (Permission, bool) {
	switch a {
	case ActionBan, ActionUnban, ActionKick:
		return PermBanUsers, true
	case ActionRestrict, ActionUnrestrict:
		return PermRestrictUsers, true
	case ActionPromote, ActionDemote:
		return PermPromoteMembers, true
	case ActionDelete:
		return PermDeleteMessages, true
	}
	return 0, false
}

// ModerationLogEntry is an immutable record of an administrative action.
type ModerationLogEntry struct {
	ID              string           `json:"id"`
	ChatID          string           `json:"chat_id"`
	ActorID         string           `json:"actor_id"`
	TargetUserID    string           `json:"target_user_id,omitempty"`
	TargetMessageID string           `json:"target_message_id,omitempty"`
	Action          ModerationAction `json:"action"`

	// DurationSeconds is zero for permanent actions
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
	Reason          string `json:"reason,omitempty"`
	OldValue        string `json:"old_value,omitempty"`
	NewValue        string `json:"new_value,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
