// Package file stores collections as JSON files in a directory.
package file

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/memclaw/internal/store"
)

// Backend keeps one <name>.json file per collection under dir.
type Backend struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBackend creates dir if needed.
func NewBackend(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Backend{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (b *Backend) Kind() string { return store.KindFile }

// Dir returns the directory holding the collection files.
func (b *Backend) Dir() string { return b.dir }

// Collection returns the collection stored at <dir>/<name>.json.
func (b *Backend) Collection(name string) (store.Collection, error) {
	if err := store.ValidateName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	lock, ok := b.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[name] = lock
	}
	b.mu.Unlock()

	return &collection{name: name, path: filepath.Join(b.dir, name+".json"), lock: lock}, nil
}

func (b *Backend) Close() error { return nil }

type collection struct {
	name string
	path string
	lock *sync.Mutex // serializes Save within the process
}

func (c *collection) Name() string { return c.name }

// Load reads the file. A missing file is an empty snapshot with no version.
func (c *collection) Load(_ context.Context) (store.Snapshot, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return store.Snapshot{}, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("read %s: %w", c.path, err)
	}
	return store.Snapshot{Body: data, Version: versionOf(data)}, nil
}

// Save compares the on-disk hash with expect, then writes a temp file and
// renames it over the original so readers never see a partial document.
func (c *collection) Save(_ context.Context, body []byte, expect store.Version) (store.Version, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	current, err := os.ReadFile(c.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if expect != "" {
			return "", store.ErrConflict
		}
	case err != nil:
		return "", fmt.Errorf("read %s: %w", c.path, err)
	default:
		if versionOf(current) != expect {
			return "", store.ErrConflict
		}
	}

	if err := writeAtomic(c.path, body); err != nil {
		return "", err
	}
	return versionOf(body), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	tmpName = ""
	slog.Debug("file store: collection rewritten", "path", path, "bytes", len(data))
	return nil
}

// versionOf is a content hash, so edits made outside this process are
// detected too.
func versionOf(data []byte) store.Version {
	h := sha256.Sum256(data)
	return store.Version(fmt.Sprintf("%x", h[:16]))
}
