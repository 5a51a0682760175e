package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/store"
)

var visibleStatuses = []any{
	string(models.MessageSent),
	string(models.MessageDelivered),
	string(models.MessageRead),
	string(models.MessageEdited),
}

const visibleFilter = `status IN (?, ?, ?, ?)`

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	var out *models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		chat, err := getJSON[models.Chat](ctx, tx, "chat "+msg.ChatID, `SELECT data FROM chats WHERE id = ?`, msg.ChatID)
		if err != nil {
			return err
		}
		stored := msg.Clone()
		chat.LastSeq++
		stored.Seq = chat.LastSeq
		chat.MessageCount++
		chat.LastMessageID = stored.ID
		created := stored.CreatedAt
		chat.LastMessageAt = &created
		chat.UpdatedAt = created

		data, err := encode(stored)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, seq, sender_id, status, auto_delete_at, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.ID, stored.ChatID, stored.Seq, stored.SenderID, string(stored.Status),
			nullableMillis(stored.AutoDeleteAt), data, toMillis(stored.CreatedAt))
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("message %s: %w", stored.ID, store.ErrConflict)
			}
			return fmt.Errorf("insert message: %w", err)
		}
		if err := putChat(ctx, tx, chat); err != nil {
			return err
		}
		out = stored
		return nil
	})
	return out, err
}

func (s *Store) GetMessage(ctx context.Context, chatID, messageID string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getJSON[models.Message](ctx, s.sqlDB, "message "+messageID,
		`SELECT data FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID)
}

func (s *Store) UpdateMessage(ctx context.Context, chatID, messageID string, fn func(*models.Message) error) (*models.Message, error) {
	var out *models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getJSON[models.Message](ctx, tx, "message "+messageID,
			`SELECT data FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID, next.ChatID, next.Seq, next.CreatedAt = cur.ID, cur.ChatID, cur.Seq, cur.CreatedAt
		data, err := encode(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, auto_delete_at = ?, data = ? WHERE id = ?`,
			string(next.Status), nullableMillis(next.AutoDeleteAt), data, next.ID); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		out = next
		return nil
	})
	return out, err
}

// RecentMessages pages backwards by seq so messages hidden for the viewer do
// not shorten the result.
func (s *Store) RecentMessages(ctx context.Context, chatID, viewerID string, limit int) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var out []*models.Message
	cursor := int64(1<<63 - 1)
	for len(out) < limit {
		args := append([]any{chatID, cursor}, visibleStatuses...)
		args = append(args, limit)
		rows, err := s.sqlDB.QueryContext(ctx,
			`SELECT data FROM messages WHERE chat_id = ? AND seq < ? AND `+visibleFilter+`
			 ORDER BY seq DESC LIMIT ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		page, err := scanAll[models.Message](rows)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			cursor = m.Seq
			if m.HiddenForUser(viewerID) {
				continue
			}
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
		if len(page) < limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) CountUnread(ctx context.Context, chatID, userID string, afterSeq int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return countUnread(ctx, s.sqlDB, chatID, userID, afterSeq)
}

func countUnread(ctx context.Context, q queryer, chatID, userID string, afterSeq int64) (int, error) {
	args := append([]any{chatID, afterSeq, userID}, visibleStatuses...)
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_id = ? AND seq > ? AND sender_id != ? AND `+visibleFilter,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (s *Store) ExpiredMessages(ctx context.Context, now time.Time, limit int) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT data FROM messages
		 WHERE auto_delete_at IS NOT NULL AND auto_delete_at <= ? AND status != ?
		 ORDER BY auto_delete_at LIMIT ?`,
		toMillis(now), string(models.MessageDeleted), limit)
	if err != nil {
		return nil, fmt.Errorf("expired messages: %w", err)
	}
	return scanAll[models.Message](rows)
}

func scanAll[T any](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
