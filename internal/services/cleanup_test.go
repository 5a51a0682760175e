package services

import (
	"testing"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepDeletesExpiredMessages(t *testing.T) {
	env := newTestEnv(t)
	env.join("alice", models.RoleOwner)
	a := env.connect("alice", "conn-a")

	ephemeral, err := env.router.SendMessage(env.ctx, a, protocol.SendMessage{Content: "self destruct", TTLSeconds: 60})
	require.NoError(t, err)
	require.NotNil(t, ephemeral.AutoDeleteAt)
	kept, err := env.router.SendMessage(env.ctx, a, protocol.SendMessage{Content: "stays"})
	require.NoError(t, err)

	sweeper := NewCleanupService(env.deps, time.Minute)
	assert.Zero(t, sweeper.Sweep(env.ctx))

	env.clock.Advance(61 * time.Second)
	assert.Equal(t, 1, sweeper.Sweep(env.ctx))
	assert.Zero(t, sweeper.Sweep(env.ctx), "already deleted messages are skipped")

	gone, err := env.store.GetMessage(env.ctx, env.chat.ID, ephemeral.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDeleted, gone.Status)
	assert.Equal(t, models.DeletedPlaceholder, gone.Content)

	still, err := env.store.GetMessage(env.ctx, env.chat.ID, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, still.Status)

	frames := a.framesOf(t, protocol.TypeMessageDeleted)
	require.Len(t, frames, 1)
	assert.Equal(t, ephemeral.ID, frames[0]["message_id"])
	assert.Equal(t, true, frames[0]["delete_for_everyone"])
}

func TestCleanupSchedule(t *testing.T) {
	env := newTestEnv(t)
	sweeper := NewCleanupService(env.deps, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(time.Minute), sweeper.next(now))

	require.NoError(t, sweeper.SetCron("*/5 * * * *"))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), sweeper.next(now))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), sweeper.next(now.Add(90*time.Second)))

	assert.Error(t, sweeper.SetCron("not a cron"))
	require.NoError(t, sweeper.SetCron(""))
	assert.Equal(t, now.Add(time.Minute), sweeper.next(now))
}
