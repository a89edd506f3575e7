package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a durable Store backed by SQLite, shared across replicas
// via a common database file or network filesystem. It implements CASInt
// and IncrBounded as single-transaction read-modify-write round trips, and
// pub/sub via an in-process fan-out (SQLite has no native pub/sub; a
// replica only observes publishes made within its own process, matching
// spec.md's note that the coordinating store interface — not this specific
// backend — is what guarantees cross-replica pub/sub in production).
type SQLiteStore struct {
	db *sql.DB

	subMu sync.Mutex
	subs  map[string][]chan []byte
}

// NewSQLiteStore opens (creating if absent) a SQLite database in WAL mode
// for the coordinating store's integer and TTL tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open coordinator sqlite store: %w", err)
	}
	s := &SQLiteStore{db: db, subs: make(map[string][]chan []byte)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS coord_ints (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS coord_ttl (
		key    TEXT PRIMARY KEY,
		value  BLOB NOT NULL,
		expiry DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CASInt(ctx context.Context, key string, expect, newVal int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	var cur int64
	err = tx.QueryRowContext(ctx, "SELECT value FROM coord_ints WHERE key = ?", key).Scan(&cur)
	if err == sql.ErrNoRows {
		cur = 0
	} else if err != nil {
		return 0, false, err
	}

	if cur != expect {
		return cur, false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO coord_ints (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, newVal); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return newVal, true, nil
}

func (s *SQLiteStore) IncrBounded(ctx context.Context, key string, delta, max int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	var cur int64
	err = tx.QueryRowContext(ctx, "SELECT value FROM coord_ints WHERE key = ?", key).Scan(&cur)
	if err == sql.ErrNoRows {
		cur = 0
	} else if err != nil {
		return 0, false, err
	}

	next := cur + delta
	if delta > 0 && next > max {
		return cur, false, tx.Commit()
	}
	if delta < 0 && next < 0 {
		next = 0
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO coord_ints (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, next); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return next, true, nil
}

func (s *SQLiteStore) PutTTL(ctx context.Context, key string, value []byte, ttlSeconds int64) error {
	expiry := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	_, err := s.db.ExecContext(ctx, `INSERT INTO coord_ttl (key, value, expiry) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expiry = excluded.expiry`,
		key, value, expiry)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiry time.Time
	err := s.db.QueryRowContext(ctx, "SELECT value, expiry FROM coord_ttl WHERE key = ?", key).Scan(&value, &expiry)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Now().After(expiry) {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Publish(_ context.Context, channel string, msg []byte) error {
	s.subMu.Lock()
	subs := append([]chan []byte(nil), s.subs[channel]...)
	s.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (s *SQLiteStore) Subscribe(_ context.Context, channel string) (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		chans := s.subs[channel]
		for i, c := range chans {
			if c == ch {
				s.subs[channel] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(s.subs[channel]) == 0 {
			delete(s.subs, channel)
		}
	}
	return ch, unsubscribe
}
