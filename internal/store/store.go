// Package store defines durable collections: named JSON documents that are
// loaded whole, mutated in memory and rewritten whole.
//
// Every snapshot carries an opaque Version. Save succeeds only if the
// collection still has the version the caller loaded; otherwise it returns
// ErrConflict and the caller reloads and reapplies its change. This keeps
// two processes writing the same category from silently losing updates.
package store

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned by Save when the collection changed since it was loaded.
	ErrConflict = errors.New("collection changed since load")

	// ErrClosed is returned by a closed backend.
	ErrClosed = errors.New("store closed")
)

// Version identifies one state of a collection. The empty Version means
// "does not exist yet".
type Version string

// Snapshot is a collection body and the version it was read at.
// Body is nil when the collection does not exist.
type Snapshot struct {
	Body    []byte
	Version Version
}

// Collection is one durable document.
type Collection interface {
	Name() string
	Load(ctx context.Context) (Snapshot, error)
	// Save replaces the body if the stored version equals expect and
	// returns the new version.
	Save(ctx context.Context, body []byte, expect Version) (Version, error)
}

// Backend opens collections by name.
type Backend interface {
	Collection(name string) (Collection, error)
	Kind() string
	Close() error
}

// Backend kinds.
const (
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)
