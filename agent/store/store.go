// Package store persists conversation state in SQLite: message history,
// per-conversation bargain counters, and a cache of marketplace listings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftmarket/agent/agent"
)

//go:embed schema.sql
var schema string

// defaultHistoryLimit caps how many turns Context returns; the newest
// turns win.
const defaultHistoryLimit = 100

// Store is the SQLite-backed agent.ContextStore.
type Store struct {
	db           *sql.DB
	historyLimit int
	logger       *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. WAL keeps the writer from blocking concurrent readers.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:           db,
		historyLimit: defaultHistoryLimit,
		logger:       logger.With("component", "store"),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendMessage records one turn of a conversation.
func (s *Store) AppendMessage(ctx context.Context, chatID, userID, itemID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, user_id, item_id, role, content) VALUES (?, ?, ?, ?, ?)`,
		chatID, userID, itemID, role, content)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Context returns the conversation history in chronological order, capped
// to the newest turns.
func (s *Store) Context(ctx context.Context, chatID string) ([]agent.ContextMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM (
		     SELECT id, role, content FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		chatID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var history []agent.ContextMessage
	for rows.Next() {
		var m agent.ContextMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

// IncrementBargainCount bumps and returns the conversation's bargain
// counter.
func (s *Store) IncrementBargainCount(ctx context.Context, chatID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_bargain_counts (chat_id, count, updated_at)
		 VALUES (?, 1, datetime('now'))
		 ON CONFLICT(chat_id) DO UPDATE SET count = count + 1, updated_at = datetime('now')
		 RETURNING count`,
		chatID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment bargain count: %w", err)
	}
	return count, nil
}

// BargainCount reads the conversation's bargain counter; zero when the
// conversation has never bargained.
func (s *Store) BargainCount(ctx context.Context, chatID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM chat_bargain_counts WHERE chat_id = ?`, chatID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read bargain count: %w", err)
	}
	return count, nil
}

// ItemInfo returns the cached listing, or (nil, nil) on a cache miss.
func (s *Store) ItemInfo(ctx context.Context, itemID string) (*agent.ItemInfo, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM items WHERE item_id = ?`, itemID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read item: %w", err)
	}
	var info agent.ItemInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("decode cached item: %w", err)
	}
	return &info, nil
}

// SaveItemInfo caches the listing, replacing any previous entry.
func (s *Store) SaveItemInfo(ctx context.Context, itemID string, info *agent.ItemInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (item_id, data, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(item_id) DO UPDATE SET data = excluded.data, updated_at = datetime('now')`,
		itemID, string(data))
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	return nil
}
