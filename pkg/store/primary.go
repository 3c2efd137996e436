package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/pantheon-agents/pantheon/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// primaryBackend is the remote PostgreSQL store. It is expected to be
// internally concurrent; no extra serialization is applied.
type primaryBackend struct {
	db *stdsql.DB
}

// newPrimaryBackend connects to PostgreSQL at url and applies pending
// migrations. Migration files are embedded so production deployments
// need no external files.
func newPrimaryBackend(ctx context.Context, url string) (*primaryBackend, error) {
	db, err := stdsql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping primary store: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run primary store migrations: %w", err)
	}
	return &primaryBackend{db: db}, nil
}

func runMigrations(db *stdsql.DB) error {
	sourceFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	source, err := iofs.New(sourceFS, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (p *primaryBackend) Append(ctx context.Context, rec models.ConversationRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO conversation_records
		 (id, conversation_id, ts, sender, content, response, provider, response_time, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ConversationID, float64(rec.Timestamp.UnixNano())/1e9,
		rec.Sender, rec.Content, rec.Response, rec.Provider, rec.ResponseTime, rec.Error)
	return err
}

func (p *primaryBackend) Tail(ctx context.Context, conversationID string, limit int) ([]models.ConversationRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, conversation_id, ts, sender, content, response, provider, response_time, error
		 FROM conversation_records
		 WHERE conversation_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordsReversed(rows)
}

func (p *primaryBackend) Prune(ctx context.Context, conversationID string, cap int) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM conversation_records
		 WHERE id IN (
		     SELECT id FROM conversation_records
		     WHERE conversation_id = $1
		     ORDER BY seq DESC
		     OFFSET $2
		 )`,
		conversationID, cap)
	return err
}

func (p *primaryBackend) Put(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO config_kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

func (p *primaryBackend) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM config_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	return value, err
}

func (p *primaryBackend) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM config_kv WHERE key = $1`, key)
	return err
}

func (p *primaryBackend) Keys(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM config_kv`)
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

func (p *primaryBackend) Close() error {
	return p.db.Close()
}

// scanRecordsReversed reads rows emitted newest-first and returns them
// in chronological order.
func scanRecordsReversed(rows *stdsql.Rows) ([]models.ConversationRecord, error) {
	var recs []models.ConversationRecord
	for rows.Next() {
		var rec models.ConversationRecord
		var ts float64
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &ts, &rec.Sender,
			&rec.Content, &rec.Response, &rec.Provider, &rec.ResponseTime, &rec.Error); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, int64(ts*1e9))
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}
