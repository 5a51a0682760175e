package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/store"
)

const selectParticipant = `SELECT data FROM participants WHERE chat_id = ? AND user_id = ?`

func (s *Store) AddParticipant(ctx context.Context, p *models.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO participants (chat_id, user_id, data, updated_at) VALUES (?, ?, ?, ?)`,
		p.ChatID, p.UserID, data, toMillis(p.UpdatedAt))
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("participant %s in %s: %w", p.UserID, p.ChatID, store.ErrConflict)
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getJSON[models.Participant](ctx, s.sqlDB, "participant "+userID, selectParticipant, chatID, userID)
}

func (s *Store) ListParticipants(ctx context.Context, chatID string) ([]*models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT data FROM participants WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return scanAll[models.Participant](rows)
}

func (s *Store) UpdateParticipant(ctx context.Context, chatID, userID string, fn func(*models.Participant) error) (*models.Participant, error) {
	var out *models.Participant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getJSON[models.Participant](ctx, tx, "participant "+userID, selectParticipant, chatID, userID)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.ChatID, p.UserID = chatID, userID
		if err := putParticipant(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) CountActiveParticipants(ctx context.Context, chatID string, now time.Time) (int, error) {
	participants, err := s.ListParticipants(ctx, chatID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range participants {
		if p.CanAccess(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkRead(ctx context.Context, chatID, userID string, seq int64, messageID string, now time.Time) (*models.Participant, error) {
	var out *models.Participant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getJSON[models.Participant](ctx, tx, "participant "+userID, selectParticipant, chatID, userID)
		if err != nil {
			return err
		}
		if seq > p.LastReadSeq {
			p.LastReadSeq = seq
			p.LastReadMessageID = messageID
		}
		p.LastReadAt = &now
		unread, err := countUnread(ctx, tx, chatID, userID, p.LastReadSeq)
		if err != nil {
			return err
		}
		p.UnreadCount = p.ReconciledUnread(unread, now)
		if p.UnreadCount == 0 {
			p.MentionCount = 0
		}
		p.UpdatedAt = now
		if err := putParticipant(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func putParticipant(ctx context.Context, tx *sql.Tx, p *models.Participant) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET data = ?, updated_at = ? WHERE chat_id = ? AND user_id = ?`,
		data, toMillis(p.UpdatedAt), p.ChatID, p.UserID); err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	return nil
}
