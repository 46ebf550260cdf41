// Package sqlstore keeps collections as rows in a SQL table, one row per
// collection, with an integer version used for compare-and-swap saves.
// The same code serves SQLite (standalone) and Postgres (managed).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/memclaw/internal/store"
)

const table = "memclaw_collections"

// Backend is a SQL-backed store.Backend.
type Backend struct {
	db   *sqlx.DB
	kind string
}

func newBackend(db *sqlx.DB, kind string) (*Backend, error) {
	b := &Backend{db: db, kind: kind}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			name TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			version BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func (b *Backend) Kind() string { return b.kind }

// DB exposes the handle for health checks.
func (b *Backend) DB() *sqlx.DB { return b.db }

func (b *Backend) Collection(name string) (store.Collection, error) {
	if err := store.ValidateName(name); err != nil {
		return nil, err
	}
	return &collection{db: b.db, name: name}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

type collection struct {
	db   *sqlx.DB
	name string
}

type row struct {
	Body    string `db:"body"`
	Version int64  `db:"version"`
}

func (c *collection) Name() string { return c.name }

func (c *collection) Load(ctx context.Context) (store.Snapshot, error) {
	var r row
	err := c.db.GetContext(ctx, &r, c.db.Rebind(`SELECT body, version FROM `+table+` WHERE name = ?`), c.name)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load %s: %w", c.name, err)
	}
	return store.Snapshot{Body: []byte(r.Body), Version: formatVersion(r.Version)}, nil
}

func (c *collection) Save(ctx context.Context, body []byte, expect store.Version) (store.Version, error) {
	now := time.Now().UnixMilli()

	if expect == "" {
		res, err := c.db.ExecContext(ctx, c.db.Rebind(
			`INSERT INTO `+table+` (name, body, version, updated_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT (name) DO NOTHING`), c.name, string(body), now)
		if err != nil {
			return "", fmt.Errorf("insert %s: %w", c.name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", store.ErrConflict
		}
		return formatVersion(1), nil
	}

	v, err := strconv.ParseInt(string(expect), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad version %q", store.ErrConflict, expect)
	}
	res, err := c.db.ExecContext(ctx, c.db.Rebind(
		`UPDATE `+table+` SET body = ?, version = version + 1, updated_at = ?
		 WHERE name = ? AND version = ?`), string(body), now, c.name, v)
	if err != nil {
		return "", fmt.Errorf("update %s: %w", c.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("sql store: version conflict", "collection", c.name, "expect", v)
		return "", store.ErrConflict
	}
	return formatVersion(v + 1), nil
}

func formatVersion(v int64) store.Version {
	return store.Version(strconv.FormatInt(v, 10))
}
