// Package presence tracks online users, slow-mode timestamps and cached
// counters on top of the cache port. The cache is advisory: every read that
// fails falls back to durable state, and every failed write is only logged.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/cache"
	"github.com/adi-253/Talkie/chatd/internal/models"
	"go.uber.org/zap"
)

// Directory is the durable state consulted on cache misses.
type Directory interface {
	GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error)
	CountUnread(ctx context.Context, chatID, userID string, afterSeq int64) (int, error)
	CountActiveParticipants(ctx context.Context, chatID string, now time.Time) (int, error)
}

// Config holds cache lifetimes.
type Config struct {
	OnlineTTL           time.Duration
	ParticipantCountTTL time.Duration
	UnreadTTL           time.Duration
}

// Counters are a participant's unread and mention counts.
type Counters struct {
	Unread   int `json:"unread_count"`
	Mentions int `json:"mention_count"`
}

// Tracker is the Presence & Rate Cache.
type Tracker struct {
	cache cache.Cache
	dir   Directory
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// New builds a Tracker. A nil clock uses time.Now.
func New(c cache.Cache, dir Directory, cfg Config, log *zap.Logger, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		cache: c,
		dir:   dir,
		cfg:   cfg,
		log:   log.With(zap.String("component", "presence")),
		now:   now,
	}
}

func onlineKey(chatID string) string { return "presence:online:" + chatID }
func slowModeKey(chatID, userID string) string { return "slowmode:" + chatID + ":" + userID }
func unreadKey(chatID, userID string) string { return "unread:" + chatID + ":" + userID }
func countKey(chatID string) string { return "participants:count:" + chatID }
func sessionsKey(chatID, userID string) string {
	return "presence:sessions:" + chatID + ":" + userID
}

// MarkOnline inserts or refreshes userID in the chat's online set.
func (t *Tracker) MarkOnline(ctx context.Context, chatID, userID string) {
	if err := t.cache.SetAdd(ctx, onlineKey(chatID), userID, t.cfg.OnlineTTL); err != nil {
		t.log.Warn("mark_online_failed", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
	}
}

// MarkOffline removes userID from the chat's online set.
func (t *Tracker) MarkOffline(ctx context.Context, chatID, userID string) {
	if err := t.cache.SetRemove(ctx, onlineKey(chatID), userID); err != nil {
		t.log.Warn("mark_offline_failed", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
	}
}

// AddSession records connID as a live session of userID in the chat, across
// all nodes, and marks the user online. Heartbeats call it again to refresh
// both entries.
func (t *Tracker) AddSession(ctx context.Context, chatID, userID, connID string) {
	if err := t.cache.SetAdd(ctx, sessionsKey(chatID, userID), connID, t.cfg.OnlineTTL); err != nil {
		t.log.Warn("add_session_failed", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
	}
	t.MarkOnline(ctx, chatID, userID)
}

// RemoveSession drops connID and returns how many sessions of userID remain
// in the chat on any node. Sessions of a crashed node linger until their
// entries expire.
func (t *Tracker) RemoveSession(ctx context.Context, chatID, userID, connID string) (int, error) {
	key := sessionsKey(chatID, userID)
	if err := t.cache.SetRemove(ctx, key, connID); err != nil {
		return 0, fmt.Errorf("remove session: %w", err)
	}
	left, err := t.cache.SetMembers(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	return len(left), nil
}

// OnlineUsers returns the users currently online in the chat. There is no
// durable source for presence, so callers decide how to degrade on error.
func (t *Tracker) OnlineUsers(ctx context.Context, chatID string) ([]string, error) {
	return t.cache.SetMembers(ctx, onlineKey(chatID))
}

// SlowModeRemaining returns how long userID must still wait before posting.
// lastActivity is the durable fallback used when the cache is unreachable.
func (t *Tracker) SlowModeRemaining(ctx context.Context, chatID, userID string, delay time.Duration, lastActivity *time.Time) time.Duration {
	if delay <= 0 {
		return 0
	}
	var last time.Time
	raw, err := t.cache.Get(ctx, slowModeKey(chatID, userID))
	switch {
	case err == nil:
		ms, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			t.log.Warn("slow_mode_value_invalid", zap.String("key", slowModeKey(chatID, userID)), zap.Error(perr))
			return 0
		}
		last = time.UnixMilli(ms)
	case errors.Is(err, cache.ErrMiss):
		return 0
	default:
		t.log.Warn("slow_mode_cache_unavailable", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
		if lastActivity == nil {
			return 0
		}
		last = *lastActivity
	}
	remaining := delay - t.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSend stamps the sender's last message time for slow mode.
func (t *Tracker) RecordSend(ctx context.Context, chatID, userID string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	value := strconv.FormatInt(t.now().UnixMilli(), 10)
	if err := t.cache.Set(ctx, slowModeKey(chatID, userID), value, delay); err != nil {
		t.log.Warn("slow_mode_record_failed", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
	}
}

// Unread returns the participant's counters, recounting from the message
// store when the cache has nothing.
func (t *Tracker) Unread(ctx context.Context, chatID, userID string) (Counters, error) {
	raw, err := t.cache.Get(ctx, unreadKey(chatID, userID))
	if err == nil {
		if c, perr := parseCounters(raw); perr == nil {
			return c, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		t.log.Warn("unread_cache_unavailable", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
	}

	p, err := t.dir.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return Counters{}, fmt.Errorf("load participant: %w", err)
	}
	n, err := t.dir.CountUnread(ctx, chatID, userID, p.LastReadSeq)
	if err != nil {
		return Counters{}, fmt.Errorf("recount unread: %w", err)
	}
	c := Counters{Unread: p.ReconciledUnread(n, t.now()), Mentions: p.MentionCount}
	t.SetUnread(ctx, chatID, userID, c)
	return c, nil
}

// SetUnread writes counters through after a durable update.
func (t *Tracker) SetUnread(ctx context.Context, chatID, userID string, c Counters) {
	value := strconv.Itoa(c.Unread) + ":" + strconv.Itoa(c.Mentions)
	if err := t.cache.Set(ctx, unreadKey(chatID, userID), value, t.cfg.UnreadTTL); err != nil {
		t.log.Warn("unread_cache_write_failed", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
	}
}

func parseCounters(raw string) (Counters, error) {
	unread, mentions, ok := strings.Cut(raw, ":")
	if !ok {
		return Counters{}, fmt.Errorf("malformed counters %q", raw)
	}
	u, err := strconv.Atoi(unread)
	if err != nil {
		return Counters{}, err
	}
	m, err := strconv.Atoi(mentions)
	if err != nil {
		return Counters{}, err
	}
	return Counters{Unread: u, Mentions: m}, nil
}

// ParticipantCount returns the number of participants with access to the chat.
func (t *Tracker) ParticipantCount(ctx context.Context, chatID string) (int, error) {
	raw, err := t.cache.Get(ctx, countKey(chatID))
	if err == nil {
		if n, perr := strconv.Atoi(raw); perr == nil {
			return n, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		t.log.Warn("participant_count_cache_unavailable", zap.String("chat_id", chatID), zap.Error(err))
	}
	n, err := t.dir.CountActiveParticipants(ctx, chatID, t.now())
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	if err := t.cache.Set(ctx, countKey(chatID), strconv.Itoa(n), t.cfg.ParticipantCountTTL); err != nil {
		t.log.Warn("participant_count_cache_write_failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	return n, nil
}

// InvalidateParticipantCount drops the cached count after a directory write.
func (t *Tracker) InvalidateParticipantCount(ctx context.Context, chatID string) {
	if err := t.cache.Del(ctx, countKey(chatID)); err != nil {
		t.log.Warn("participant_count_invalidate_failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}
