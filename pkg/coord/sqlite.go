package coord

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coordSchema = `
CREATE TABLE IF NOT EXISTS reload_flags (
	scope TEXT PRIMARY KEY,
	set_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE TABLE IF NOT EXISTS kill_switch (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	engaged INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO kill_switch (id, engaged) VALUES (1, 0);
`

// SQLiteStore is the shared coordination store: one sqlite file read and
// written by every process (API-facing and workers). WAL mode keeps
// cross-process readers cheap; writes are last-writer-wins.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the coordination database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open coordination store: %w", err)
	}
	if _, err := db.Exec(coordSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init coordination schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SetFlag(scope string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO reload_flags (scope) VALUES (?)`, scope)
	if err != nil {
		return fmt.Errorf("set reload flag %s: %w", scope, err)
	}
	return nil
}

func (s *SQLiteStore) TakeFlag(scope string) (bool, error) {
	// DELETE is the atomic check-and-clear: the flag is gone before the
	// caller runs its reload callback.
	res, err := s.db.Exec(`DELETE FROM reload_flags WHERE scope = ?`, scope)
	if err != nil {
		return false, fmt.Errorf("take reload flag %s: %w", scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("take reload flag %s: %w", scope, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) KillSwitch() (bool, error) {
	var engaged int
	err := s.db.QueryRow(`SELECT engaged FROM kill_switch WHERE id = 1`).Scan(&engaged)
	if err != nil {
		return false, fmt.Errorf("read kill switch: %w", err)
	}
	return engaged != 0, nil
}

func (s *SQLiteStore) SetKillSwitch(engaged bool) error {
	val := 0
	if engaged {
		val = 1
	}
	if _, err := s.db.Exec(`UPDATE kill_switch SET engaged = ? WHERE id = 1`, val); err != nil {
		return fmt.Errorf("write kill switch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
