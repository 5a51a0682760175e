package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleOrdering(t *testing.T) {
	order := []Role{RoleOwner, RoleAdmin, RoleModerator, RoleMember, RoleRestricted, RoleGuest, RoleBot}
	for i := 0; i < len(order)-1; i++ {
		assert.True(t, order[i].Outranks(order[i+1]), "%s should outrank %s", order[i], order[i+1])
		assert.False(t, order[i+1].Outranks(order[i]))
		assert.False(t, order[i].Outranks(order[i]), "roles never outrank peers")
	}
	assert.False(t, Role("janitor").Valid())
}

func TestEffectiveStatusExpiresLazily(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	p := NewParticipant("c1", "u1", "bob", RoleMember, now)
	p.Status = StatusBanned
	p.BannedUntil = &until

	assert.Equal(t, StatusBanned, p.EffectiveStatus(now))
	assert.False(t, p.CanAccess(now))

	later := until.Add(time.Second)
	assert.Equal(t, StatusActive, p.EffectiveStatus(later))
	assert.True(t, p.Can(PermSendMessages, later))
	assert.Equal(t, StatusBanned, p.Status, "stored status is not rewritten")

	p.BannedUntil = nil
	assert.Equal(t, StatusBanned, p.EffectiveStatus(later.Add(24*time.Hour)), "permanent ban never expires")
}

func TestRestrictedKeepsReadAccess(t *testing.T) {
	now := time.Now()
	p := NewParticipant("c1", "u1", "bob", RoleMember, now)
	p.Status = StatusRestricted
	assert.True(t, p.CanAccess(now))
	assert.False(t, p.Can(PermSendMessages, now))
}

func TestPermissionNamesRoundTrip(t *testing.T) {
	p, err := ParsePermissions([]string{"can_send_messages", "can_delete_messages"})
	require.NoError(t, err)
	assert.True(t, p.Has(PermSendMessages|PermDeleteMessages))
	assert.False(t, p.Has(PermBanUsers))
	assert.Equal(t, []string{"can_delete_messages", "can_send_messages"}, p.Names())

	_, err = ParsePermissions([]string{"can_fly"})
	assert.Error(t, err)
}

func TestToggleReactionIsIdempotentInPairs(t *testing.T) {
	m := &Message{Reactions: map[string][]string{"👍": {"u2"}}}
	before := m.Clone().Reactions

	assert.True(t, m.ToggleReaction("👍", "u1"))
	assert.Equal(t, 2, m.ReactionSummary()["👍"])
	assert.False(t, m.ToggleReaction("👍", "u1"))
	assert.Equal(t, before, m.Reactions)

	assert.True(t, m.ToggleReaction("🔥", "u1"))
	assert.False(t, m.ToggleReaction("🔥", "u1"))
	_, ok := m.Reactions["🔥"]
	assert.False(t, ok, "empty emoji sets are removed")
}

func TestRedactKeepsRow(t *testing.T) {
	now := time.Now()
	m := &Message{ID: "m1", Content: "secret v2", OriginalContent: "secret", EditCount: 1, Poll: &Poll{Question: "q"}}
	m.Redact("u1", now)
	assert.Equal(t, MessageDeleted, m.Status)
	assert.Equal(t, DeletedPlaceholder, m.Content)
	assert.Empty(t, m.OriginalContent, "pre-edit text is redacted too")
	assert.Nil(t, m.Poll)
	assert.Equal(t, "m1", m.ID)
}

func TestReconciledUnreadForMutedParticipant(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewParticipant("c1", "u1", "bob", RoleMember, now)
	assert.Equal(t, 4, p.ReconciledUnread(4, now))

	p.NotificationLevel = NotifyDisabled
	assert.Equal(t, 0, p.ReconciledUnread(4, now), "muted participants accrue nothing")
	p.UnreadCount = 3
	assert.Equal(t, 1, p.ReconciledUnread(1, now), "reading still lowers the count")

	p.NotificationLevel = NotifyAll
	until := now.Add(time.Hour)
	p.MutedUntil = &until
	assert.Equal(t, 3, p.ReconciledUnread(9, now))
	assert.Equal(t, 9, p.ReconciledUnread(9, until.Add(time.Second)), "mute expired")
}

func TestCallJoinLeave(t *testing.T) {
	now := time.Now()
	c := &Call{ID: "call", Status: CallActive}
	assert.True(t, c.Join("u1", now))
	assert.False(t, c.Join("u1", now))
	assert.True(t, c.Leave("u1", now))
	assert.False(t, c.Leave("u1", now))
	assert.False(t, c.Leave("ghost", now))
	c.Join("u2", now)
	c.End(now)
	assert.Equal(t, CallEnded, c.Status)
	assert.False(t, c.Participant("u2").Joined)
}
