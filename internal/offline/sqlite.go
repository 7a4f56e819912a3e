package offline

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"buddy/internal/protocol"
)

// SQLiteStore keeps queued events across restarts
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the queue database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer keeps FIFO ids monotonic and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS offline_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event BLOB NOT NULL,
			enqueued_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_queue_user ON offline_queue(user_id, id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(entry Entry) error {
	data, err := entry.Event.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	query := `INSERT INTO offline_queue (user_id, event_type, event, enqueued_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.Exec(query, entry.UserID, entry.Event.Type, data, entry.EnqueuedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Drain(userID string) ([]Entry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, event, enqueued_at FROM offline_queue WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}

	var entries []Entry
	var lastID int64
	for rows.Next() {
		var (
			id         int64
			data       []byte
			enqueuedAt time.Time
		)
		if err := rows.Scan(&id, &data, &enqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode queue entry %d: %w", id, err)
		}
		entries = append(entries, Entry{UserID: userID, Event: ev, EnqueuedAt: enqueuedAt})
		lastID = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	rows.Close()

	if len(entries) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(`DELETE FROM offline_queue WHERE user_id = ? AND id <= ?`, userID, lastID); err != nil {
		return nil, fmt.Errorf("failed to delete drained entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Len(userID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_queue WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Total() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
