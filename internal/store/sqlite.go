package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// cursorKey names the single cursor row.
const cursorKey = "feed"

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*SQLite, error) {
	return OpenWithTimeout(path, 5*time.Second)
}

// OpenWithTimeout is like Open with an explicit SQLite busy timeout.
func OpenWithTimeout(path string, busyTimeout time.Duration) (*SQLite, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer keeps cursor updates serialized.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := validateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	return schemaVersion(ctx, s.db)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) LoadCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cursors WHERE name = ?`, cursorKey,
	).Scan(&cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}

func (s *SQLite) SaveCursor(ctx context.Context, cursor int64) error {
	// MAX keeps the stored cursor monotonic even if an older value arrives.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = MAX(value, excluded.value),
			updated_at = excluded.updated_at`,
		cursorKey, cursor, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *SQLite) HasReplied(ctx context.Context, seq int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM replies WHERE sequence = ?`, seq,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check reply: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) MarkReplied(ctx context.Context, r Reply) error {
	sentAt := r.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO replies (sequence, chat_id, message_id, text, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.Sequence, r.ConversationID, r.MessageID, r.Text, sentAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	return nil
}

// ListReplies returns up to limit ledger entries, newest first.
func (s *SQLite) ListReplies(ctx context.Context, limit int) ([]Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, chat_id, message_id, text, sent_at
		FROM replies ORDER BY sequence DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	var out []Reply
	for rows.Next() {
		var r Reply
		var sentAt int64
		if err := rows.Scan(&r.Sequence, &r.ConversationID, &r.MessageID, &r.Text, &sentAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		r.SentAt = time.Unix(0, sentAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneReplies deletes ledger entries with a sequence id at or below seq.
func (s *SQLite) PruneReplies(ctx context.Context, seq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replies WHERE sequence <= ?`, seq)
	if err != nil {
		return 0, fmt.Errorf("prune replies: %w", err)
	}
	return res.RowsAffected()
}
