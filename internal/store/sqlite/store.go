// Package sqlite provides a SQLite-backed chat store. Rows keep their indexed
// columns next to a JSON document of the full record.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adi-253/Talkie/chatd/internal/models"
	"github.com/adi-253/Talkie/chatd/internal/store"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

// Store persists chat state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite chat store and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection serializes read-modify-write transactions.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJSON[T any](ctx context.Context, q queryer, what, query string, args ...any) (*T, error) {
	var data string
	if err := q.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", what, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", what, err)
	}
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return &v, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(data), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func (s *Store) CreateChat(ctx context.Context, chat *models.Chat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(chat)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO chats (id, status, data, updated_at) VALUES (?, ?, ?, ?)`,
		chat.ID, string(chat.Status), data, toMillis(chat.UpdatedAt))
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("chat %s: %w", chat.ID, store.ErrConflict)
		}
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getJSON[models.Chat](ctx, s.sqlDB, "chat "+chatID, `SELECT data FROM chats WHERE id = ?`, chatID)
}

func (s *Store) UpdateChat(ctx context.Context, chatID string, fn func(*models.Chat) error) (*models.Chat, error) {
	var out *models.Chat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		chat, err := getJSON[models.Chat](ctx, tx, "chat "+chatID, `SELECT data FROM chats WHERE id = ?`, chatID)
		if err != nil {
			return err
		}
		if err := fn(chat); err != nil {
			return err
		}
		chat.ID = chatID
		if err := putChat(ctx, tx, chat); err != nil {
			return err
		}
		out = chat
		return nil
	})
	return out, err
}

func putChat(ctx context.Context, tx *sql.Tx, chat *models.Chat) error {
	data, err := encode(chat)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(chat.Status), data, toMillis(chat.UpdatedAt), chat.ID); err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	return nil
}
