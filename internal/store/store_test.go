package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/store"
	"github.com/adi-253/Talkie/chatd/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	t.Helper()
	return map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemory() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateChat(ctx, &models.Chat{
		ID: "c1", Type: models.ChatGroup, Status: models.ChatActive, CreatedBy: "alice",
		CreatedAt: epoch, UpdatedAt: epoch,
	}))
	require.NoError(t, s.AddParticipant(ctx, models.NewParticipant("c1", "alice", "alice", models.RoleOwner, epoch)))
	require.NoError(t, s.AddParticipant(ctx, models.NewParticipant("c1", "bob", "bob", models.RoleMember, epoch)))
}

func appendText(t *testing.T, s store.Store, id, sender string, at time.Time) *models.Message {
	t.Helper()
	m, err := s.AppendMessage(context.Background(), &models.Message{
		ID: id, ChatID: "c1", SenderID: sender, Type: models.MessageText,
		Content: "hello " + id, Status: models.MessageSent, CreatedAt: at,
	})
	require.NoError(t, err)
	return m
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("chat and participant lookup", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()

				_, err := s.GetChat(ctx, "missing")
				assert.True(t, errors.Is(err, store.ErrNotFound))

				err = s.AddParticipant(ctx, models.NewParticipant("c1", "bob", "bob", models.RoleMember, epoch))
				assert.True(t, errors.Is(err, store.ErrConflict), "one row per (user, chat)")

				p, err := s.GetParticipant(ctx, "c1", "bob")
				require.NoError(t, err)
				assert.Equal(t, models.RoleMember, p.Role)

				_, err = s.GetParticipant(ctx, "c1", "carol")
				assert.True(t, errors.Is(err, store.ErrNotFound))

				list, err := s.ListParticipants(ctx, "c1")
				require.NoError(t, err)
				require.Len(t, list, 2)
				assert.Equal(t, "alice", list[0].UserID)
			})

			t.Run("append assigns sequence and bumps counters", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()

				m1 := appendText(t, s, "m1", "alice", epoch)
				m2 := appendText(t, s, "m2", "alice", epoch)
				assert.Equal(t, int64(1), m1.Seq)
				assert.Equal(t, int64(2), m2.Seq, "same timestamp still yields distinct order")

				chat, err := s.GetChat(ctx, "c1")
				require.NoError(t, err)
				assert.Equal(t, int64(2), chat.MessageCount)
				assert.Equal(t, "m2", chat.LastMessageID)
				assert.Equal(t, int64(2), chat.LastSeq)
			})

			t.Run("update function errors abort the write", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()
				appendText(t, s, "m1", "alice", epoch)

				boom := errors.New("boom")
				_, err := s.UpdateMessage(ctx, "c1", "m1", func(m *models.Message) error {
					m.Content = "changed"
					return boom
				})
				assert.ErrorIs(t, err, boom)

				got, err := s.GetMessage(ctx, "c1", "m1")
				require.NoError(t, err)
				assert.Equal(t, "hello m1", got.Content)

				_, err = s.UpdateParticipant(ctx, "c1", "bob", func(p *models.Participant) error {
					p.Role = models.RoleAdmin
					return boom
				})
				assert.ErrorIs(t, err, boom)
				p, err := s.GetParticipant(ctx, "c1", "bob")
				require.NoError(t, err)
				assert.Equal(t, models.RoleMember, p.Role)
			})

			t.Run("recent messages oldest first and filtered", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()
				for i, id := range []string{"m1", "m2", "m3", "m4"} {
					appendText(t, s, id, "alice", epoch.Add(time.Duration(i)*time.Second))
				}
				_, err := s.UpdateMessage(ctx, "c1", "m4", func(m *models.Message) error {
					m.HideFor("bob")
					return nil
				})
				require.NoError(t, err)
				_, err = s.UpdateMessage(ctx, "c1", "m3", func(m *models.Message) error {
					m.Redact("alice", epoch)
					return nil
				})
				require.NoError(t, err)

				got, err := s.RecentMessages(ctx, "c1", "bob", 2)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "m1", got[0].ID)
				assert.Equal(t, "m2", got[1].ID)

				got, err = s.RecentMessages(ctx, "c1", "alice", 10)
				require.NoError(t, err)
				require.Len(t, got, 3)
				assert.Equal(t, "m4", got[2].ID)
			})

			t.Run("mark read recounts unread", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()
				m1 := appendText(t, s, "m1", "alice", epoch)
				appendText(t, s, "m2", "alice", epoch.Add(time.Second))
				appendText(t, s, "m3", "bob", epoch.Add(2*time.Second))

				n, err := s.CountUnread(ctx, "c1", "bob", 0)
				require.NoError(t, err)
				assert.Equal(t, 2, n, "own messages are never unread")

				p, err := s.MarkRead(ctx, "c1", "bob", m1.Seq, m1.ID, epoch)
				require.NoError(t, err)
				assert.Equal(t, 1, p.UnreadCount)
				assert.Equal(t, "m1", p.LastReadMessageID)

				p, err = s.MarkRead(ctx, "c1", "bob", 0, "m0", epoch)
				require.NoError(t, err)
				assert.Equal(t, m1.Seq, p.LastReadSeq, "read pointer never moves backwards")
			})

			t.Run("mark read keeps muted counters", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()
				_, err := s.UpdateParticipant(ctx, "c1", "bob", func(p *models.Participant) error {
					p.NotificationLevel = models.NotifyDisabled
					return nil
				})
				require.NoError(t, err)
				m1 := appendText(t, s, "m1", "alice", epoch)
				appendText(t, s, "m2", "alice", epoch.Add(time.Second))

				p, err := s.MarkRead(ctx, "c1", "bob", m1.Seq, m1.ID, epoch)
				require.NoError(t, err)
				assert.Zero(t, p.UnreadCount, "muted participants accrue no unread")
			})

			t.Run("expired messages", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()
				due := epoch.Add(time.Minute)
				_, err := s.AppendMessage(ctx, &models.Message{
					ID: "ttl", ChatID: "c1", SenderID: "alice", Type: models.MessageText,
					Content: "bye", Status: models.MessageSent, CreatedAt: epoch, AutoDeleteAt: &due,
				})
				require.NoError(t, err)
				appendText(t, s, "keep", "alice", epoch)

				got, err := s.ExpiredMessages(ctx, epoch, 10)
				require.NoError(t, err)
				assert.Empty(t, got)

				got, err = s.ExpiredMessages(ctx, due, 10)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, "ttl", got[0].ID)
			})

			t.Run("one active call per chat", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()
				call := &models.Call{ID: "k1", ChatID: "c1", InitiatorID: "alice", Type: models.CallVoice, Status: models.CallActive, StartedAt: epoch}
				require.NoError(t, s.CreateCall(ctx, call))
				err := s.CreateCall(ctx, &models.Call{ID: "k2", ChatID: "c1", Status: models.CallActive, StartedAt: epoch})
				assert.True(t, errors.Is(err, store.ErrConflict))

				active, err := s.ActiveCall(ctx, "c1")
				require.NoError(t, err)
				assert.Equal(t, "k1", active.ID)

				_, err = s.UpdateCall(ctx, "c1", "k1", func(c *models.Call) error {
					c.End(epoch)
					return nil
				})
				require.NoError(t, err)
				_, err = s.ActiveCall(ctx, "c1")
				assert.True(t, errors.Is(err, store.ErrNotFound))
			})

			t.Run("moderation log newest first", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				ctx := context.Background()
				for i, a := range []models.ModerationAction{models.ActionBan, models.ActionUnban} {
					require.NoError(t, s.AppendModerationLog(ctx, &models.ModerationLogEntry{
						ID: string(a), ChatID: "c1", ActorID: "alice", TargetUserID: "bob",
						Action: a, CreatedAt: epoch.Add(time.Duration(i) * time.Second),
					}))
				}
				got, err := s.ListModerationLog(ctx, "c1", 10)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, models.ActionUnban, got[0].Action)
			})

			t.Run("concurrent appends keep a dense sequence", func(t *testing.T) {
				s := open(t)
				seed(t, s)
				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := s.AppendMessage(context.Background(), &models.Message{
							ID: string(rune('a' + i)), ChatID: "c1", SenderID: "alice",
							Type: models.MessageText, Content: "x", Status: models.MessageSent, CreatedAt: epoch,
						})
						assert.NoError(t, err)
					}(i)
				}
				wg.Wait()
				chat, err := s.GetChat(context.Background(), "c1")
				require.NoError(t, err)
				assert.Equal(t, int64(20), chat.LastSeq)
				assert.Equal(t, int64(20), chat.MessageCount)
			})
		})
	}
}
