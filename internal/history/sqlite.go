package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS board_history (
	board_id   TEXT PRIMARY KEY,
	entries    TEXT    NOT NULL,
	position   INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	touched_at INTEGER NOT NULL DEFAULT 0
)`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// SQLiteStore persists each board's log as one row.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("history db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one connection keeps ":memory:" databases shared and writes serialized
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, boardID string) (Log, error) {
	var (
		raw string
		log Log
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT entries, position, version, touched_at FROM board_history WHERE board_id = ?`,
		boardID,
	).Scan(&raw, &log.Position, &log.Version, &log.TouchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Log{}, nil
	}
	if err != nil {
		return Log{}, err
	}
	if err := json.Unmarshal([]byte(raw), &log.Entries); err != nil {
		return Log{}, fmt.Errorf("decode entries: %w", err)
	}
	return log, nil
}

func (s *SQLiteStore) Save(ctx context.Context, boardID string, log Log) error {
	entries := log.Entries
	if entries == nil {
		entries = []ActionEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO board_history (board_id, entries, position, version, touched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(board_id) DO UPDATE SET
			entries = excluded.entries,
			position = excluded.position,
			version = excluded.version,
			touched_at = excluded.touched_at`,
		boardID, string(raw), log.Position, log.Version, log.TouchedAt)
	return err
}
