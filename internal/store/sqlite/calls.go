package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/store"
)

func (s *Store) CreateCall(ctx context.Context, call *models.Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(call)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO calls (id, chat_id, status, data) VALUES (?, ?, ?, ?)`,
		call.ID, call.ChatID, string(call.Status), data)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("active call in %s: %w", call.ChatID, store.ErrConflict)
		}
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, chatID, callID string) (*models.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getJSON[models.Call](ctx, s.sqlDB, "call "+callID,
		`SELECT data FROM calls WHERE chat_id = ? AND id = ?`, chatID, callID)
}

func (s *Store) ActiveCall(ctx context.Context, chatID string) (*models.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getJSON[models.Call](ctx, s.sqlDB, "active call in "+chatID,
		`SELECT data FROM calls WHERE chat_id = ? AND status = ?`, chatID, string(models.CallActive))
}

func (s *Store) UpdateCall(ctx context.Context, chatID, callID string, fn func(*models.Call) error) (*models.Call, error) {
	var out *models.Call
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		call, err := getJSON[models.Call](ctx, tx, "call "+callID,
			`SELECT data FROM calls WHERE chat_id = ? AND id = ?`, chatID, callID)
		if err != nil {
			return err
		}
		if err := fn(call); err != nil {
			return err
		}
		call.ID, call.ChatID = callID, chatID
		data, err := encode(call)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE calls SET status = ?, data = ? WHERE id = ?`,
			string(call.Status), data, call.ID); err != nil {
			return fmt.Errorf("update call: %w", err)
		}
		out = call
		return nil
	})
	return out, err
}
