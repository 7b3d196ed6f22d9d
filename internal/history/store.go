// Package history is the local Postgres fallback for chat history and
// device memory, used when no management console is configured.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openspeaker/gateway/shared/id"
)

// DB is the subset of pgxpool.Pool the store needs; pgxmock implements
// it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Entry is one stored chat history row.
type Entry struct {
	ID        string
	DeviceID  string
	SessionID string
	ChatType  int
	Content   string
	CreatedAt time.Time
}

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("history: local store ready")
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS gateway_chat_history (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			chat_type INT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS gateway_chat_history_device_idx
			ON gateway_chat_history (device_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS gateway_device_memory (
			device_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Append stores one chat history row.
func (s *Store) Append(ctx context.Context, deviceID, sessionID string, chatType int, content string) error {
	query := `
		INSERT INTO gateway_chat_history (id, device_id, session_id, chat_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, query,
		id.NewReport(), deviceID, sessionID, chatType, content, time.Now())
	if err != nil {
		return fmt.Errorf("insert chat history: %w", err)
	}
	return nil
}

// Recent returns the newest entries for a device, newest first.
func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, device_id, session_id, chat_type, content, created_at
		FROM gateway_chat_history
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.SessionID, &e.ChatType, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat history rows: %w", err)
	}
	return entries, nil
}

// SaveMemory upserts the device's memory summary. Satisfies the memory
// package's Saver.
func (s *Store) SaveMemory(ctx context.Context, deviceID, summary string) error {
	query := `
		INSERT INTO gateway_device_memory (device_id, summary, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET summary = $2, updated_at = $3`

	_, err := s.db.Exec(ctx, query, deviceID, summary, time.Now())
	if err != nil {
		return fmt.Errorf("save device memory: %w", err)
	}
	return nil
}

// LoadMemory reads the device's memory summary, empty when absent.
func (s *Store) LoadMemory(ctx context.Context, deviceID string) (string, error) {
	var summary string
	err := s.db.QueryRow(ctx,
		`SELECT summary FROM gateway_device_memory WHERE device_id = $1`, deviceID).Scan(&summary)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load device memory: %w", err)
	}
	return summary, nil
}

func (s *Store) Close() {
	s.db.Close()
}
