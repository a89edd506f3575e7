package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteAppender persists audit entries to a SQLite database in WAL mode,
// grounded on the teacher's trace.SQLiteStore connection and schema
// pattern.
type SQLiteAppender struct {
	db *sql.DB
}

// NewSQLiteAppender opens (creating if absent) a SQLite-backed audit store.
func NewSQLiteAppender(path string) (*SQLiteAppender, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit sqlite store: %w", err)
	}
	a := &SQLiteAppender{db: db}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteAppender) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		chain_id    TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		id          TEXT NOT NULL,
		timestamp   DATETIME NOT NULL,
		tenant      TEXT NOT NULL,
		request_id  TEXT,
		event       TEXT NOT NULL,
		rule_name   TEXT,
		reason      TEXT,
		approver_id TEXT,
		pending_id  TEXT,
		details     TEXT,
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL,
		PRIMARY KEY (chain_id, seq)
	);
	CREATE TABLE IF NOT EXISTS audit_heads (
		chain_id TEXT PRIMARY KEY,
		hash     TEXT NOT NULL,
		seq      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(chain_id, timestamp);
	`
	_, err := a.db.Exec(schema)
	return err
}

func (a *SQLiteAppender) Close() error { return a.db.Close() }

func (a *SQLiteAppender) Head(chainID string) (string, bool, error) {
	var hash string
	err := a.db.QueryRow("SELECT hash FROM audit_heads WHERE chain_id = ?", chainID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (a *SQLiteAppender) Append(chainID string, e Entry) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow("SELECT COALESCE(MAX(seq), -1) + 1 FROM audit_entries WHERE chain_id = ?", chainID).Scan(&seq)
	if err != nil {
		return err
	}

	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry details: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO audit_entries
		(chain_id, seq, id, timestamp, tenant, request_id, event, rule_name, reason, approver_id, pending_id, details, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chainID, seq, e.ID, e.Timestamp, e.Tenant, e.RequestID, e.Event, e.RuleName, e.Reason,
		e.ApproverID, e.PendingID, string(details), e.PrevHash, e.Hash,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(`INSERT INTO audit_heads (chain_id, hash, seq) VALUES (?, ?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET hash = excluded.hash, seq = excluded.seq`,
		chainID, e.Hash, seq,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (a *SQLiteAppender) Range(chainID string, from, to time.Time) ([]Entry, error) {
	rows, err := a.db.Query(`SELECT id, timestamp, tenant, request_id, event, rule_name, reason,
		approver_id, pending_id, details, prev_hash, hash
		FROM audit_entries WHERE chain_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY seq ASC`, chainID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var requestID, ruleName, reason, approverID, pendingID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Tenant, &requestID, &e.Event, &ruleName, &reason,
			&approverID, &pendingID, &details, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.RequestID = requestID.String
		e.RuleName = ruleName.String
		e.Reason = reason.String
		e.ApproverID = approverID.String
		e.PendingID = pendingID.String
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("malformed audit entry details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
