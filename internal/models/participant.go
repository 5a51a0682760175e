package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role is a participant's rank within a chat.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleModerator  Role = "moderator"
	RoleMember     Role = "member"
	RoleRestricted Role = "restricted"
	RoleGuest      Role = "guest"
	RoleBot        Role = "bot"
)

var roleRank = map[Role]int{
	RoleOwner:      7,
	RoleAdmin:      6,
	RoleModerator:  5,
	RoleMember:     4,
	RoleRestricted: 3,
	RoleGuest:      2,
	RoleBot:        1,
}

// Rank orders roles from bot (1) to owner (7). Unknown roles rank 0.
func (r Role) Rank() int { return roleRank[r] }

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.Rank() > 0 }

// Outranks reports whether r is strictly above other.
func (r Role) Outranks(other Role) bool { return r.Rank() > other.Rank() }

// IsAdmin reports whether r is owner or admin.
func (r Role) IsAdmin() bool { return r == RoleOwner || r == RoleAdmin }

// ParticipantStatus is the membership state of a participant.
type ParticipantStatus string

const (
	StatusActive     ParticipantStatus = "active"
	StatusLeft       ParticipantStatus = "left"
	StatusKicked     ParticipantStatus = "kicked"
	StatusBanned     ParticipantStatus = "banned"
	StatusRestricted ParticipantStatus = "restricted"
)

// Permission is a bitset of fine-grained capabilities.
type Permission uint32

const (
	PermSendMessages Permission = 1 << iota
	PermSendMedia
	PermSendStickers
	PermSendPolls
	PermChangeInfo
	PermInviteUsers
	PermPinMessages
	PermDeleteMessages
	PermBanUsers
	PermRestrictUsers
	PermPromoteMembers
	PermManageCalls
	PermAnonymous
)

// PermAll has every capability set.
const PermAll = PermAnonymous<<1 - 1

var permissionNames = map[string]Permission{
	"can_send_messages":   PermSendMessages,
	"can_send_media":      PermSendMedia,
	"can_send_stickers":   PermSendStickers,
	"can_send_polls":      PermSendPolls,
	"can_change_info":     PermChangeInfo,
	"can_invite_users":    PermInviteUsers,
	"can_pin_messages":    PermPinMessages,
	"can_delete_messages": PermDeleteMessages,
	"can_ban_users":       PermBanUsers,
	"can_restrict_users":  PermRestrictUsers,
	"can_promote_members": PermPromoteMembers,
	"can_manage_calls":    PermManageCalls,
	"is_anonymous":        PermAnonymous,
}

// Has reports whether every bit of q is set in p.
func (p Permission) Has(q Permission) bool { return p&q == q }

// Names returns the sorted capability names set in p.
func (p Permission) Names() []string {
	names := make([]string, 0, len(permissionNames))
	for name, bit := range permissionNames {
		if p.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (p Permission) String() string { return strings.Join(p.Names(), ",") }

// ParsePermissions converts capability names into a bitset.
func ParsePermissions(names []string) (Permission, error) {
	var p Permission
	for _, name := range names {
		bit, ok := permissionNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", name)
		}
		p |= bit
	}
	return p, nil
}

// DefaultPermissions returns the capabilities granted to a fresh participant with role r.
func DefaultPermissions(r Role) Permission {
	member := PermSendMessages | PermSendMedia | PermSendStickers | PermSendPolls | PermInviteUsers
	switch r {
	case RoleOwner, RoleAdmin:
		return PermAll &^ PermAnonymous
	case RoleModerator:
		return member | PermPinMessages | PermDeleteMessages | PermRestrictUsers | PermManageCalls
	case RoleMember:
		return member
	case RoleBot:
		return PermSendMessages | PermSendMedia
	default:
		return 0
	}
}

// NotificationLevel controls offline push for a participant.
type NotificationLevel string

const (
	NotifyAll      NotificationLevel = "all"
	NotifyMentions NotificationLevel = "mentions"
	NotifyDisabled NotificationLevel = "disabled"
)

// Participant is the membership of one user in one chat.
type Participant struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`

	Role        Role              `json:"role"`
	Status      ParticipantStatus `json:"status"`
	Permissions Permission        `json:"permissions"`

	NotificationLevel NotificationLevel `json:"notification_level"`
	MutedUntil        *time.Time        `json:"muted_until,omitempty"`

	// LastReadSeq points at the newest message the user has read
	LastReadSeq       int64      `json:"last_read_seq"`
	LastReadMessageID string     `json:"last_read_message_id,omitempty"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
	UnreadCount       int        `json:"unread_count"`
	MentionCount      int        `json:"mention_count"`

	TypingUntil     *time.Time `json:"typing_until,omitempty"`
	BannedUntil     *time.Time `json:"banned_until,omitempty"`
	RestrictedUntil *time.Time `json:"restricted_until,omitempty"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`

	JoinedAt  time.Time `json:"joined_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewParticipant builds an active participant with the default capabilities for role.
func NewParticipant(chatID, userID, username string, role Role, now time.Time) *Participant {
	return &Participant{
		ChatID:            chatID,
		UserID:            userID,
		Username:          username,
		Role:              role,
		Status:            StatusActive,
		Permissions:       DefaultPermissions(role),
		NotificationLevel: NotifyAll,
		JoinedAt:          now,
		UpdatedAt:         now,
	}
}

// EffectiveStatus evaluates ban and restriction expiry lazily.
// The stored Status is left untouched until the next explicit write.
func (p *Participant) EffectiveStatus(now time.Time) ParticipantStatus {
	switch p.Status {
	case StatusBanned:
		if p.BannedUntil != nil && !now.Before(*p.BannedUntil) {
			return StatusActive
		}
	case StatusRestricted:
		if p.RestrictedUntil != nil && !now.Before(*p.RestrictedUntil) {
			return StatusActive
		}
	}
	return p.Status
}

// CanAccess reports whether the participant may open a session in the chat.
// Restricted participants keep read access.
func (p *Participant) CanAccess(now time.Time) bool {
	s := p.EffectiveStatus(now)
	return s == StatusActive || s == StatusRestricted
}

// Can reports whether the participant is active and holds perm.
// Owners hold every capability.
func (p *Participant) Can(perm Permission, now time.Time) bool {
	if p.EffectiveStatus(now) != StatusActive || p.Role == RoleRestricted {
		return false
	}
	if p.Role == RoleOwner {
		return true
	}
	return p.Permissions.Has(perm)
}

// IsMuted reports whether notifications and unread tracking are silenced.
func (p *Participant) IsMuted(now time.Time) bool {
	if p.NotificationLevel == NotifyDisabled {
		return true
	}
	return p.MutedUntil != nil && now.Before(*p.MutedUntil)
}

// ReconciledUnread returns the unread count implied by recount, the number of
// visible messages after the read pointer. Muted participants accrue nothing
// while muted, so for them the stored count can only shrink.
func (p *Participant) ReconciledUnread(recount int, now time.Time) int {
	if p.IsMuted(now) && p.UnreadCount < recount {
		return p.UnreadCount
	}
	return recount
}

// IsTyping reports whether the typing marker is still live.
func (p *Participant) IsTyping(now time.Time) bool {
	return p.TypingUntil != nil && now.Before(*p.TypingUntil)
}

// Clone returns a deep copy.
func (p *Participant) Clone() *Participant {
	c := *p
	c.MutedUntil = cloneTime(p.MutedUntil)
	c.LastReadAt = cloneTime(p.LastReadAt)
	c.TypingUntil = cloneTime(p.TypingUntil)
	c.BannedUntil = cloneTime(p.BannedUntil)
	c.RestrictedUntil = cloneTime(p.RestrictedUntil)
	c.LastActivityAt = cloneTime(p.LastActivityAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
