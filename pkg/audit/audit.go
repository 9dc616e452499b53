// Package audit persists the append-only record of every dispatch outcome
// and fans out a payload-free change signal so interested processes can
// refresh their views without polling.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/concierge-sh/concierge/pkg/bus"
)

// Entry types. Extensions beyond this set are allowed; these are the ones
// the pipeline itself produces.
const (
	TypeResponse          = "response"
	TypeDecision          = "decision"
	TypeCapabilityRequest = "capability_request"
	TypeScheduledTask     = "scheduled_task"
	TypeAgentRun          = "agent_run"
)

// Entry is one audit record. Entries are never mutated or deleted except
// by Clear.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// timeLayout is RFC3339 with fixed-width nanoseconds: TEXT ordering on
// the column must match chronological ordering, and RFC3339Nano trims
// trailing zeros, which breaks the lexical sort at second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	type TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries (timestamp);
`

// SQLiteSink is the durable audit store. Every append publishes
// bus.SignalAuditUpdated; subscribers re-fetch via List rather than
// trusting the signal, which tolerates signal loss without losing
// correctness.
type SQLiteSink struct {
	db  *sql.DB
	bus *bus.SignalBus
}

// OpenSQLiteSink opens (creating if needed) the audit database. signals
// may be nil when no fan-out is wanted (tests, short-lived tools).
func OpenSQLiteSink(path string, signals *bus.SignalBus) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &SQLiteSink{db: db, bus: signals}, nil
}

// Append persists one entry, assigning id and timestamp when absent.
func (s *SQLiteSink) Append(entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO audit_entries (id, timestamp, type, user_id, payload) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC().Format(timeLayout), entry.Type, entry.UserID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	if s.bus != nil {
		s.bus.Notify(bus.SignalAuditUpdated)
	}
	return nil
}

// List returns all entries, newest first.
func (s *SQLiteSink) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, type, user_id, payload FROM audit_entries ORDER BY timestamp DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry   Entry
			ts      string
			payload string
		)
		if err := rows.Scan(&entry.ID, &ts, &entry.Type, &entry.UserID, &payload); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if payload != "" {
			json.Unmarshal([]byte(payload), &entry.Payload)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Clear is the one bulk-delete operation: it removes the entries scoped
// to a user, or every entry when userID is empty.
func (s *SQLiteSink) Clear(userID string) error {
	var err error
	if userID == "" {
		_, err = s.db.Exec(`DELETE FROM audit_entries`)
	} else {
		_, err = s.db.Exec(`DELETE FROM audit_entries WHERE user_id = ?`, userID)
	}
	if err != nil {
		return fmt.Errorf("clear audit entries: %w", err)
	}
	if s.bus != nil {
		s.bus.Notify(bus.SignalAuditUpdated)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
