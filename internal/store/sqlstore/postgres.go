package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/memclaw/internal/store"
)

// OpenPostgres connects to Postgres through the pgx driver.
func OpenPostgres(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b, err := newBackend(db, store.KindPostgres)
	if err != nil {
		return nil, err
	}
	slog.Info("postgres connected", "dsn_len", len(dsn))
	return b, nil
}
