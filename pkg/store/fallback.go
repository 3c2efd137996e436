package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no CGO

	"github.com/pantheon-agents/pantheon/pkg/models"
)

const fallbackSchema = `
CREATE TABLE IF NOT EXISTS conversation_records (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    ts REAL NOT NULL,
    sender TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    response TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    response_time REAL NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conversation_records_conversation_id
    ON conversation_records (conversation_id);
CREATE INDEX IF NOT EXISTS idx_conversation_records_ts
    ON conversation_records (ts);
CREATE TABLE IF NOT EXISTS config_kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// fallbackBackend is the embedded on-disk SQLite store. SQLite allows a
// single writer, so all mutations are serialized by mu.
type fallbackBackend struct {
	mu sync.Mutex
	db *stdsql.DB
}

// newFallbackBackend opens (or creates) the SQLite file at path and
// ensures the schema exists.
func newFallbackBackend(ctx context.Context, path string) (*fallbackBackend, error) {
	db, err := stdsql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback store: %w", err)
	}
	// The driver is pure Go; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fallbackSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create fallback schema: %w", err)
	}
	return &fallbackBackend{db: db}, nil
}

func (f *fallbackBackend) Append(ctx context.Context, rec models.ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.db.ExecContext(ctx,
		`INSERT INTO conversation_records
		 (id, conversation_id, ts, sender, content, response, provider, response_time, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, float64(rec.Timestamp.UnixNano())/1e9,
		rec.Sender, rec.Content, rec.Response, rec.Provider, rec.ResponseTime, rec.Error)
	return err
}

func (f *fallbackBackend) Tail(ctx context.Context, conversationID string, limit int) ([]models.ConversationRecord, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT id, conversation_id, ts, sender, content, response, provider, response_time, error
		 FROM conversation_records
		 WHERE conversation_id = ?
		 ORDER BY rowid DESC
		 LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordsReversed(rows)
}

func (f *fallbackBackend) Prune(ctx context.Context, conversationID string, cap int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.db.ExecContext(ctx,
		`DELETE FROM conversation_records
		 WHERE conversation_id = ?
		   AND rowid NOT IN (
		       SELECT rowid FROM conversation_records
		       WHERE conversation_id = ?
		       ORDER BY rowid DESC
		       LIMIT ?
		   )`,
		conversationID, conversationID, cap)
	return err
}

func (f *fallbackBackend) Put(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.db.ExecContext(ctx,
		`INSERT INTO config_kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

func (f *fallbackBackend) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := f.db.QueryRowContext(ctx,
		`SELECT value FROM config_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	return value, err
}

func (f *fallbackBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.db.ExecContext(ctx, `DELETE FROM config_kv WHERE key = ?`, key)
	return err
}

func (f *fallbackBackend) Keys(ctx context.Context) (map[string]string, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT key, value FROM config_kv`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (f *fallbackBackend) Close() error {
	return f.db.Close()
}

// count returns the number of records in one conversation; used by the
// dual store for prune decisions and by tests.
func (f *fallbackBackend) count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := f.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_records WHERE conversation_id = ?`,
		conversationID).Scan(&n)
	return n, err
}
