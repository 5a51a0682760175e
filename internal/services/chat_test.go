package services

import (
	"testing"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChatMakesCreatorOwner(t *testing.T) {
	env := newTestEnv(t)

	chat, owner, err := env.chats.CreateChat(env.ctx, "zoe", "Zoe", NewChat{Title: "  Book club ", SlowModeDelay: 30})
	require.NoError(t, err)
	assert.Equal(t, "Book club", chat.Title)
	assert.Equal(t, models.ChatGroup, chat.Type)
	assert.Equal(t, models.RoleOwner, owner.Role)

	_, _, err = env.chats.CreateChat(env.ctx, "zoe", "Zoe", NewChat{SlowModeDelay: 7})
	assert.Equal(t, apperrors.CodeInvalidData, errorCode(t, err))
	_, _, err = env.chats.CreateChat(env.ctx, "zoe", "Zoe", NewChat{Type: "hangout"})
	assert.Equal(t, apperrors.CodeInvalidData, errorCode(t, err))
}

func TestJoinLeaveAndRejoin(t *testing.T) {
	env := newTestEnv(t)
	env.join("alice", models.RoleOwner)
	a := env.connect("alice", "conn-a")
	_, err := env.router.SendMessage(env.ctx, a, protocol.SendMessage{Content: "before bob"})
	require.NoError(t, err)

	p, err := env.chats.JoinChat(env.ctx, env.chat.ID, "bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, p.Role)
	assert.Equal(t, int64(1), p.LastReadSeq, "history before joining is not unread")

	again, err := env.chats.JoinChat(env.ctx, env.chat.ID, "bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, p.JoinedAt, again.JoinedAt)

	require.NoError(t, env.chats.LeaveChat(env.ctx, env.chat.ID, "bob"))
	_, _, err = env.chats.Authorize(env.ctx, env.chat.ID, "bob")
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))

	rejoined, err := env.chats.JoinChat(env.ctx, env.chat.ID, "bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rejoined.Status)

	err = env.chats.LeaveChat(env.ctx, env.chat.ID, "alice")
	assert.Equal(t, apperrors.CodePermissionDenied, errorCode(t, err))
}

func TestJoinRejectsBannedPrivateAndFullChats(t *testing.T) {
	env := newTestEnv(t, func(c *models.Chat) { c.MaxMembers = 2 })
	admin := env.join("alice", models.RoleOwner)
	env.join("bob", models.RoleMember)
	_, err := env.moderation.Apply(env.ctx, admin, Action{Kind: models.ActionBan, TargetUserID: "bob", Duration: time.Hour})
	require.NoError(t, err)

	_, err = env.chats.JoinChat(env.ctx, env.chat.ID, "bob", "bob")
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))

	env.join("carol", models.RoleMember)
	_, err = env.chats.JoinChat(env.ctx, env.chat.ID, "dave", "dave")
	assert.Equal(t, apperrors.CodePermissionDenied, errorCode(t, err))

	private, _, err := env.chats.CreateChat(env.ctx, "zoe", "zoe", NewChat{Title: "secret plans"})
	require.NoError(t, err)
	_, err = env.chats.JoinChat(env.ctx, private.ID, "dave", "dave")
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))
}

func TestAuthorizeDistinguishesMissingChatFromMissingMembership(t *testing.T) {
	env := newTestEnv(t)
	env.join("alice", models.RoleOwner)

	_, _, err := env.chats.Authorize(env.ctx, "nope", "alice")
	assert.Equal(t, apperrors.CodeChatNotFound, errorCode(t, err))

	_, _, err = env.chats.Authorize(env.ctx, env.chat.ID, "mallory")
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))

	_, err = env.store.UpdateChat(env.ctx, env.chat.ID, func(c *models.Chat) error {
		c.Status = models.ChatDeleted
		return nil
	})
	require.NoError(t, err)
	_, _, err = env.chats.Authorize(env.ctx, env.chat.ID, "alice")
	assert.Equal(t, apperrors.CodeChatNotFound, errorCode(t, err))
}

func TestSummaryReconcilesCounters(t *testing.T) {
	env := newTestEnv(t)
	env.join("alice", models.RoleOwner)
	env.join("bob", models.RoleMember)
	a := env.connect("alice", "conn-a")
	_, err := env.router.SendMessage(env.ctx, a, protocol.SendMessage{Content: "one"})
	require.NoError(t, err)
	_, err = env.router.SendMessage(env.ctx, a, protocol.SendMessage{Content: "two"})
	require.NoError(t, err)

	sum, err := env.chats.Summary(env.ctx, env.chat.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Chat.ParticipantCount)
	assert.Equal(t, 1, sum.Chat.OnlineCount)
	assert.Equal(t, []string{"alice"}, sum.OnlineUsers)
	assert.Equal(t, 2, sum.UnreadCount)

	history, err := env.chats.History(env.ctx, env.chat.ID, "bob", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "two", history[0].Content)
}

func TestJoinAndLeaveAreAnnouncedAndLeaveEvicts(t *testing.T) {
	env := newTestEnv(t)
	env.join("alice", models.RoleOwner)
	a := env.connect("alice", "conn-a")

	_, err := env.chats.JoinChat(env.ctx, env.chat.ID, "bob", "Bob")
	require.NoError(t, err)
	joined := a.framesOf(t, protocol.TypeParticipantJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0]["user_id"])
	assert.Equal(t, "Bob", joined[0]["username"])
	assert.Equal(t, string(models.RoleMember), joined[0]["role"])

	// Joining again while active is a no-op and announces nothing.
	_, err = env.chats.JoinChat(env.ctx, env.chat.ID, "bob", "Bob")
	require.NoError(t, err)
	assert.Len(t, a.framesOf(t, protocol.TypeParticipantJoined), 1)

	require.NoError(t, env.chats.LeaveChat(env.ctx, env.chat.ID, "bob"))
	left := a.framesOf(t, protocol.TypeParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0]["user_id"])
	require.Len(t, env.evictor.evicted, 1)
	assert.Equal(t, eviction{chatID: env.chat.ID, userID: "bob", code: protocol.ClosePolicyViolation}, env.evictor.evicted[0])

	// A refused leave neither announces nor evicts.
	err = env.chats.LeaveChat(env.ctx, env.chat.ID, "alice")
	assert.Equal(t, apperrors.CodePermissionDenied, errorCode(t, err))
	assert.Len(t, a.framesOf(t, protocol.TypeParticipantLeft), 1)
	assert.Len(t, env.evictor.evicted, 1)
}
