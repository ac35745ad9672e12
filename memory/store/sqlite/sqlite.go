// Package sqlite persists sealed memory entries in a local SQLite file.
//
// The store knows nothing about plaintext: ciphertext and nonce are opaque
// blobs, embeddings and tags are JSON columns. A kv table holds the exported
// store key so one file carries everything a device needs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/vault"
)

// Options configures Open.
type Options struct {
	// Dir holds the database file. Empty opens a private in-memory database.
	Dir string

	// Name is the database file name without extension. Default: "memories".
	Name string

	// Version is the schema version. Opening a file written under another
	// version discards its entries. Default: 1.
	Version int
}

// Store is a memory.Backend on SQLite.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

var _ memory.Backend = (*Store)(nil)

const createEntries = `CREATE TABLE IF NOT EXISTS entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	ciphertext BLOB NOT NULL,
	nonce BLOB NOT NULL,
	embedding TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	importance INTEGER NOT NULL,
	created_at TEXT NOT NULL
)`

const createKV = `CREATE TABLE IF NOT EXISTS kv (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// Open opens (or creates) the database and migrates it to opts.Version.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Name == "" {
		opts.Name = "memories"
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}

	path := ":memory:"
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path = filepath.Join(opts.Dir, opts.Name+".db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx, opts.Version); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[SQLITE] Opened %s (schema v%d)", path, opts.Version)
	return s, nil
}

func (s *Store) migrate(ctx context.Context, version int) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if current != version {
		if current != 0 {
			log.Printf("[SQLITE] Schema v%d != v%d, discarding stored entries", current, version)
		}
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS entries"); err != nil {
			return fmt.Errorf("drop entries: %w", err)
		}
	}

	for _, stmt := range []string{createEntries, createKV} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// PRAGMA does not take bind parameters.
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Add inserts e.
func (s *Store) Add(ctx context.Context, e *memory.Entry) error {
	var embedding any
	if e.HasEmbedding() {
		data, err := json.Marshal(e.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		embedding = string(data)
	}

	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (id, ciphertext, nonce, embedding, tags, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Ciphertext, e.Nonce, embedding, string(tagsJSON), e.Importance,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// Delete removes the entry with id, if present.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// All returns every entry in insertion order.
func (s *Store) All(ctx context.Context) ([]*memory.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ciphertext, nonce, embedding, tags, importance, created_at
		 FROM entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []*memory.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*memory.Entry, error) {
	var (
		e         memory.Entry
		embedding sql.NullString
		tags      string
		createdAt string
	)
	if err := rows.Scan(&e.ID, &e.Ciphertext, &e.Nonce, &embedding, &tags, &e.Importance, &createdAt); err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}

	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &e.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of %s: %w", e.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", e.ID, err)
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", e.ID, err)
	}
	e.CreatedAt = t
	return &e, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// KeySlot returns a vault.Slot stored under name in this database.
func (s *Store) KeySlot(name string) vault.Slot {
	return &keySlot{store: s, name: name}
}

type keySlot struct {
	store *Store
	name  string
}

func (k *keySlot) Load(ctx context.Context) (string, bool, error) {
	var value string
	err := k.store.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE name = ?", k.name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", k.name, err)
	}
	return value, true, nil
}

func (k *keySlot) Store(ctx context.Context, value string) error {
	_, err := k.store.db.ExecContext(ctx,
		`INSERT INTO kv (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		k.name, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", k.name, err)
	}
	return nil
}
