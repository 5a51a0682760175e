package sqlite

import (
	"context"
	"fmt"

	"github.com/adi-253/Talkie/chatd/internal/models"
)

func (s *Store) AppendModerationLog(ctx context.Context, entry *models.ModerationLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO moderation_log (id, chat_id, data, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.ChatID, data, toMillis(entry.CreatedAt)); err != nil {
		return fmt.Errorf("insert moderation log: %w", err)
	}
	return nil
}

func (s *Store) ListModerationLog(ctx context.Context, chatID string, limit int) ([]*models.ModerationLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT data FROM moderation_log WHERE chat_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list moderation log: %w", err)
	}
	return scanAll[models.ModerationLogEntry](rows)
}
