package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresBackend persists entry maps as one jsonb row per image, so cached
// results survive restarts and are shared across serving instances.
type PostgresBackend struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresBackend{db: db}, nil
}

// NewBackend picks Postgres when a DSN is configured and reachable, and falls
// back to the in-memory backend otherwise.
func NewBackend(dsn string, maxImages int) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(maxImages)
	}
	b, err := NewPostgresBackend(dsn)
	if err != nil {
		log.Printf("cache: postgres unavailable (%v), using in-memory backend", err)
		return NewMemoryBackend(maxImages)
	}
	return b, nil
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	b.schemaOnce.Do(func() {
		_, b.schemaErr = b.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS image_cache (
    image_url TEXT PRIMARY KEY,
    entries   JSONB NOT NULL DEFAULT '{}'::jsonb
)`)
	})
	return b.schemaErr
}

func (b *PostgresBackend) Get(ctx context.Context, imageURL string) (map[string]Value, bool, error) {
	if err := b.ensureSchema(ctx); err != nil {
		return nil, false, err
	}
	var raw []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT entries FROM image_cache WHERE image_url = $1`, imageURL).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entries := make(map[string]Value)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

func (b *PostgresBackend) Put(ctx context.Context, imageURL string, entries map[string]Value) error {
	if err := b.ensureSchema(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO image_cache (image_url, entries) VALUES ($1, $2)
ON CONFLICT (image_url) DO UPDATE SET entries = EXCLUDED.entries`,
		imageURL, raw)
	return err
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
