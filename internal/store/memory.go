package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/models"
)

// Memory is an in-process Store. Each chat is guarded by its own lock; there
// is no lock spanning chats.
type Memory struct {
	mu    sync.RWMutex
	chats map[string]*chatShard
}

type chatShard struct {
	mu           sync.Mutex
	chat         *models.Chat
	participants map[string]*models.Participant
	messages     []*models.Message
	byID         map[string]*models.Message
	log          []*models.ModerationLogEntry
	calls        map[string]*models.Call
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{chats: make(map[string]*chatShard)}
}

func (s *Memory) shard(chatID string) (*chatShard, error) {
	s.mu.RLock()
	sh, ok := s.chats[chatID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return sh, nil
}

func (s *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Memory) Close() error { return nil }

func (s *Memory) CreateChat(ctx context.Context, chat *models.Chat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chat.ID]; ok {
		return fmt.Errorf("chat %s: %w", chat.ID, ErrConflict)
	}
	s.chats[chat.ID] = &chatShard{
		chat:         chat.Clone(),
		participants: make(map[string]*models.Participant),
		byID:         make(map[string]*models.Message),
		calls:        make(map[string]*models.Call),
	}
	return nil
}

func (s *Memory) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.chat.Clone(), nil
}

func (s *Memory) UpdateChat(ctx context.Context, chatID string, fn func(*models.Chat) error) (*models.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	next := sh.chat.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = chatID
	sh.chat = next
	return next.Clone(), nil
}

func (s *Memory) AddParticipant(ctx context.Context, p *models.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh, err := s.shard(p.ChatID)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.participants[p.UserID]; ok {
		return fmt.Errorf("participant %s in %s: %w", p.UserID, p.ChatID, ErrConflict)
	}
	sh.participants[p.UserID] = p.Clone()
	return nil
}

func (s *Memory) GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.participants[userID]
	if !ok {
		return nil, fmt.Errorf("participant %s in %s: %w", userID, chatID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Memory) ListParticipants(ctx context.Context, chatID string) ([]*models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]*models.Participant, 0, len(sh.participants))
	for _, p := range sh.participants {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Memory) UpdateParticipant(ctx context.Context, chatID, userID string, fn func(*models.Participant) error) (*models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.participants[userID]
	if !ok {
		return nil, fmt.Errorf("participant %s in %s: %w", userID, chatID, ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ChatID, next.UserID = chatID, userID
	sh.participants[userID] = next
	return next.Clone(), nil
}

func (s *Memory) CountActiveParticipants(ctx context.Context, chatID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return 0, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for _, p := range sh.participants {
		if p.CanAccess(now) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) MarkRead(ctx context.Context, chatID, userID string, seq int64, messageID string, now time.Time) (*models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.participants[userID]
	if !ok {
		return nil, fmt.Errorf("participant %s in %s: %w", userID, chatID, ErrNotFound)
	}
	next := cur.Clone()
	if seq > next.LastReadSeq {
		next.LastReadSeq = seq
		next.LastReadMessageID = messageID
	}
	next.LastReadAt = &now
	next.UnreadCount = next.ReconciledUnread(sh.countUnread(userID, next.LastReadSeq), now)
	if next.UnreadCount == 0 {
		next.MentionCount = 0
	}
	next.UpdatedAt = now
	sh.participants[userID] = next
	return next.Clone(), nil
}

func (s *Memory) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(msg.ChatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.byID[msg.ID]; ok {
		return nil, fmt.Errorf("message %s: %w", msg.ID, ErrConflict)
	}
	stored := msg.Clone()
	sh.chat.LastSeq++
	stored.Seq = sh.chat.LastSeq
	sh.chat.MessageCount++
	sh.chat.LastMessageID = stored.ID
	created := stored.CreatedAt
	sh.chat.LastMessageAt = &created
	sh.chat.UpdatedAt = created
	sh.messages = append(sh.messages, stored)
	sh.byID[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *Memory) GetMessage(ctx context.Context, chatID, messageID string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	m, ok := sh.byID[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *Memory) UpdateMessage(ctx context.Context, chatID, messageID string, fn func(*models.Message) error) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.byID[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.ChatID, next.Seq, next.CreatedAt = cur.ID, cur.ChatID, cur.Seq, cur.CreatedAt
	*cur = *next
	return next.Clone(), nil
}

func (s *Memory) RecentMessages(ctx context.Context, chatID, viewerID string, limit int) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var out []*models.Message
	for i := len(sh.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := sh.messages[i]
		if !m.Status.Visible() || m.HiddenForUser(viewerID) {
			continue
		}
		out = append(out, m.Clone())
	}
	reverse(out)
	return out, nil
}

func (s *Memory) CountUnread(ctx context.Context, chatID, userID string, afterSeq int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return 0, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.countUnread(userID, afterSeq), nil
}

// countUnread must be called with sh.mu held.
func (sh *chatShard) countUnread(userID string, afterSeq int64) int {
	n := 0
	for i := len(sh.messages) - 1; i >= 0; i-- {
		m := sh.messages[i]
		if m.Seq <= afterSeq {
			break
		}
		if m.SenderID != userID && m.Status.Visible() {
			n++
		}
	}
	return n
}

func (s *Memory) ExpiredMessages(ctx context.Context, now time.Time, limit int) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	shards := make([]*chatShard, 0, len(s.chats))
	for _, sh := range s.chats {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	var out []*models.Message
	for _, sh := range shards {
		sh.mu.Lock()
		for _, m := range sh.messages {
			if len(out) >= limit {
				break
			}
			if m.AutoDeleteAt != nil && !now.Before(*m.AutoDeleteAt) && m.Status != models.MessageDeleted {
				out = append(out, m.Clone())
			}
		}
		sh.mu.Unlock()
	}
	return out, nil
}

func (s *Memory) AppendModerationLog(ctx context.Context, entry *models.ModerationLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh, err := s.shard(entry.ChatID)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := *entry
	sh.log = append(sh.log, &e)
	return nil
}

func (s *Memory) ListModerationLog(ctx context.Context, chatID string, limit int) ([]*models.ModerationLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var out []*models.ModerationLogEntry
	for i := len(sh.log) - 1; i >= 0 && len(out) < limit; i-- {
		e := *sh.log[i]
		out = append(out, &e)
	}
	return out, nil
}

func (s *Memory) CreateCall(ctx context.Context, call *models.Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh, err := s.shard(call.ChatID)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, c := range sh.calls {
		if c.Status == models.CallActive {
			return fmt.Errorf("active call in %s: %w", call.ChatID, ErrConflict)
		}
	}
	sh.calls[call.ID] = call.Clone()
	return nil
}

func (s *Memory) GetCall(ctx context.Context, chatID, callID string) (*models.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.calls[callID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *Memory) ActiveCall(ctx context.Context, chatID string) (*models.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, c := range sh.calls {
		if c.Status == models.CallActive {
			return c.Clone(), nil
		}
	}
	return nil, fmt.Errorf("active call in %s: %w", chatID, ErrNotFound)
}

func (s *Memory) UpdateCall(ctx context.Context, chatID, callID string, fn func(*models.Call) error) (*models.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shard(chatID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.calls[callID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.ChatID = cur.ID, cur.ChatID
	sh.calls[callID] = next
	return next.Clone(), nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
