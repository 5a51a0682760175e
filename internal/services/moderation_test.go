package services

import (
	"testing"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/notify"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanRecordsLogBroadcastsNotifiesAndEvicts(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join("alice", models.RoleAdmin)
	env.join("bob", models.RoleMember)
	watcher := env.connect("carol", "conn-c")

	entry, err := env.moderation.Apply(env.ctx, admin, Action{
		Kind:         models.ActionBan,
		TargetUserID: "bob",
		Duration:     time.Hour,
		Reason:       "spam",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.ActorID)
	assert.Equal(t, "bob", entry.TargetUserID)
	assert.Equal(t, int64(3600), entry.DurationSeconds)
	assert.Equal(t, string(models.StatusActive), entry.OldValue)
	assert.Equal(t, string(models.StatusBanned), entry.NewValue)

	bob := env.participant("bob")
	assert.Equal(t, models.StatusBanned, bob.Status)
	require.NotNil(t, bob.BannedUntil)

	log, err := env.store.ListModerationLog(env.ctx, env.chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, log, 1)

	frames := watcher.framesOf(t, protocol.TypeModerationAction)
	require.Len(t, frames, 1)
	assert.Equal(t, "ban_user", frames[0]["action"])
	assert.Equal(t, "bob", frames[0]["target_user_id"])

	pushed := env.notifier.sentTo("bob")
	require.Len(t, pushed, 1)
	assert.Equal(t, notify.KindModeration, pushed[0].Kind)

	require.Len(t, env.evictor.evicted, 1)
	assert.Equal(t, eviction{chatID: env.chat.ID, userID: "bob", code: protocol.ClosePolicyViolation}, env.evictor.evicted[0])
}

func TestTimedBanExpiresLazily(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join("alice", models.RoleAdmin)
	env.join("bob", models.RoleMember)

	_, err := env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionBan, TargetUserID: "bob", Duration: time.Minute})
	require.NoError(t, err)
	assert.False(t, env.participant("bob").CanAccess(env.clock.Now()))

	env.clock.Advance(2 * time.Minute)
	bob := env.participant("bob")
	assert.Equal(t, models.StatusBanned, bob.Status, "stored status is not rewritten")
	assert.True(t, bob.CanAccess(env.clock.Now()))

	_, err = env.router.SendMessage(env.ctx, env.connect("bob", "conn-b"), protocol.SendMessage{Content: "back"})
	assert.NoError(t, err)
}

func TestModerationRequiresStrictlyHigherRole(t *testing.T) {
	env := newTestEnv(t)
	env.join("alice", models.RoleOwner)
	admin := env.join("adam", models.RoleAdmin)
	env.join("amy", models.RoleAdmin)
	mod := env.join("mo", models.RoleModerator)

	_, err := env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionBan, TargetUserID: "amy"})
	assert.Equal(t, apperrors.CodePermissionDenied, errorCode(t, err), "peers cannot act on each other")

	_, err = env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionRestrict, TargetUserID: "alice"})
	assert.Equal(t, apperrors.CodePermissionDenied, errorCode(t, err), "no upward actions")

	_, err = env.moderation.Apply(env.ctx, mod, Action{Kind: models.ActionBan, TargetUserID: "amy"})
	assert.Equal(t, apperrors.CodePermissionDenied, errorCode(t, err), "moderators lack can_ban_users")

	assert.Equal(t, models.StatusActive, env.participant("amy").Status)
	assert.Equal(t, models.StatusActive, env.participant("alice").Status)
	log, err := env.store.ListModerationLog(env.ctx, env.chat.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestPromoteAndDemoteStayBelowActor(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join("adam", models.RoleAdmin)
	env.join("bob", models.RoleMember)

	_, err := env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionPromote, TargetUserID: "bob", Role: models.RoleAdmin})
	assert.Equal(t, apperrors.CodePermissionDenied, errorCode(t, err))

	entry, err := env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionPromote, TargetUserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "member", entry.OldValue)
	assert.Equal(t, "moderator", entry.NewValue)
	bob := env.participant("bob")
	assert.Equal(t, models.RoleModerator, bob.Role)
	assert.True(t, bob.Permissions.Has(models.PermDeleteMessages))

	_, err = env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionDemote, TargetUserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, env.participant("bob").Role)
	assert.Len(t, env.notifier.sentTo("bob"), 2)
}

func TestRestrictKeepsReadAccess(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join("adam", models.RoleAdmin)
	env.join("bob", models.RoleMember)
	perms := models.Permission(0)

	_, err := env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionRestrict, TargetUserID: "bob", Permissions: &perms})
	require.NoError(t, err)
	bob := env.participant("bob")
	assert.True(t, bob.CanAccess(env.clock.Now()))
	assert.False(t, bob.Can(models.PermSendMessages, env.clock.Now()))
	assert.Empty(t, env.evictor.evicted)

	_, err = env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionUnrestrict, TargetUserID: "bob"})
	require.NoError(t, err)
	bob = env.participant("bob")
	assert.Equal(t, models.StatusActive, bob.Status)
	assert.True(t, bob.Can(models.PermSendMessages, env.clock.Now()))
}

func TestUnbanLeavesParticipantOutsideTheChat(t *testing.T) {
	env := newTestEnv(t)
	admin := env.join("adam", models.RoleAdmin)
	env.join("bob", models.RoleMember)

	_, err := env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionUnban, TargetUserID: "bob"})
	assert.Equal(t, apperrors.CodeInvalidData, errorCode(t, err))

	_, err = env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionBan, TargetUserID: "bob"})
	require.NoError(t, err)
	_, err = env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionUnban, TargetUserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusLeft, env.participant("bob").Status)
}

func TestModerateFrameRoutesToEngine(t *testing.T) {
	env := newTestEnv(t)
	env.join("alice", models.RoleOwner)
	env.join("bob", models.RoleMember)
	a := env.connect("alice", "conn-a")

	require.NoError(t, env.send(a, `{"type":"moderate","action":"kick_user","target_user_id":"bob","reason":"bye"}`))
	assert.Equal(t, models.StatusKicked, env.participant("bob").Status)
	assert.Len(t, a.framesOf(t, protocol.TypeModerationAction), 1)

	err := env.send(a, `{"type":"moderate","action":"restrict_user","target_user_id":"bob","permissions":["can_fly"]}`)
	assert.Equal(t, apperrors.CodeInvalidData, errorCode(t, err))

	err = env.send(a, `{"type":"moderate","action":"ban_user","target_user_id":"alice"}`)
	assert.Equal(t, apperrors.CodePermissionDenied, errorCode(t, err))
}
