// Package database archives decision traces and rekey events in sqlite for
// post-flight analysis.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DecisionTrace is one archived policy evaluation.
type DecisionTrace struct {
	ID           int64   `json:"id"`
	Action       string  `json:"action"`
	TargetSuite  string  `json:"target_suite,omitempty"`
	Reasons      string  `json:"reasons"`
	Confidence   float64 `json:"confidence"`
	CurrentSuite string  `json:"current_suite"`
	InputJSON    string  `json:"input_json,omitempty"`
	ReplayDigest string  `json:"replay_digest,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// RekeyEvent is one archived rekey attempt.
type RekeyEvent struct {
	ID         int64  `json:"id"`
	RID        string `json:"rid"`
	FromSuite  string `json:"from_suite"`
	ToSuite    string `json:"to_suite"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// Store wraps the sqlite handle. All methods are safe for concurrent use;
// sqlite serializes writers internally.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive at path and applies the schema. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS decision_traces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	target_suite TEXT NOT NULL DEFAULT '',
	reasons TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	current_suite TEXT NOT NULL DEFAULT '',
	input_json TEXT NOT NULL DEFAULT '',
	replay_digest TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decision_traces_created ON decision_traces(created_at);

CREATE TABLE IF NOT EXISTS rekey_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rid TEXT NOT NULL,
	from_suite TEXT NOT NULL DEFAULT '',
	to_suite TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_rekey_events_created ON rekey_events(created_at);
`

// Ping verifies the archive is reachable, for readiness probes.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close releases the handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogDecisionTrace archives one policy evaluation. input may be nil; digest
// is the caller-computed replay digest, empty when not available.
func (s *Store) LogDecisionTrace(action, targetSuite, reasons string, confidence float64, currentSuite string, input any, digest string) error {
	inputJSON := ""
	if input != nil {
		if data, err := json.Marshal(input); err == nil {
			inputJSON = string(data)
		}
	}
	_, err := s.db.Exec(`
INSERT INTO decision_traces(action, target_suite, reasons, confidence, current_suite, input_json, replay_digest)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, action, targetSuite, reasons, confidence, currentSuite, inputJSON, digest)
	return err
}

// LogRekeyEvent archives one completed rekey attempt.
func (s *Store) LogRekeyEvent(rid, fromSuite, toSuite string, success bool, duration time.Duration) error {
	_, err := s.db.Exec(`
INSERT INTO rekey_events(rid, from_suite, to_suite, success, duration_ms)
VALUES(?, ?, ?, ?, ?)
`, rid, fromSuite, toSuite, success, duration.Milliseconds())
	return err
}

// RecentRekeyEvents returns up to limit events, newest first.
func (s *Store) RecentRekeyEvents(limit int) ([]RekeyEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(`
SELECT id, rid, from_suite, to_suite, success, duration_ms, created_at
FROM rekey_events
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RekeyEvent
	for rows.Next() {
		var e RekeyEvent
		var success int
		if err := rows.Scan(&e.ID, &e.RID, &e.FromSuite, &e.ToSuite, &success, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// RekeysSince counts successful rekeys newer than the cutoff. The policy
// uses it to enforce the per-window rekey budget across restarts.
func (s *Store) RekeysSince(cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
SELECT COUNT(*) FROM rekey_events
WHERE success = 1 AND created_at >= ?
`, cutoff.UTC().Format("2006-01-02 15:04:05")).Scan(&n)
	return n, err
}

// RecentDecisionTraces returns up to limit traces, newest first.
func (s *Store) RecentDecisionTraces(limit int) ([]DecisionTrace, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(`
SELECT id, action, target_suite, reasons, confidence, current_suite, input_json, replay_digest, created_at
FROM decision_traces
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionTrace
	for rows.Next() {
		var t DecisionTrace
		if err := rows.Scan(&t.ID, &t.Action, &t.TargetSuite, &t.Reasons, &t.Confidence, &t.CurrentSuite, &t.InputJSON, &t.ReplayDigest, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
