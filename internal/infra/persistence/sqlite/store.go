// Package sqlite provides the default file-backed store: a single SQLite
// database holding one row per object plus a small meta table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"storestack/internal/infra/filelock"
	"storestack/internal/infra/persistence/codec"
	"storestack/pkg/domain"
)

// Driver is the backend driver name.
const Driver = "sqlite"

const defaultPath = "storestack.db"

var _ domain.Backend = (*Store)(nil)
var _ domain.RawExporter = (*Store)(nil)

// Store implements domain.Backend on a SQLite file.
type Store struct {
	path        string
	lockTimeout time.Duration
	db          *sql.DB
	lock        *filelock.Lock
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long Open waits for the writer lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// NewStore returns an unopened store for path (default ./storestack.db).
func NewStore(path string, opts ...Option) *Store {
	if path == "" {
		path = defaultPath
	}
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Driver implements domain.Backend.
func (s *Store) Driver() string { return Driver }

// Location implements domain.Backend.
func (s *Store) Location() string { return s.path }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Open implements domain.Backend.
func (s *Store) Open(ctx context.Context, schema domain.Schema) (domain.Snapshot, error) {
	if err := s.acquire(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadMissing, s.path, err)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("stat %s: %w", s.path, err)
	}
	if info.Size() == 0 {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadMissing, s.path, errors.New("empty file"))
	}
	db, err := openDB(ctx, s.path)
	if err != nil {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadCorrupt, s.path, err)
	}
	s.db = db

	snapshot, err := s.load(ctx, schema)
	if err != nil {
		_ = s.db.Close()
		s.db = nil
		return domain.Snapshot{}, err
	}
	return snapshot, nil
}

func (s *Store) acquire(ctx context.Context) error {
	if s.lock != nil {
		return nil
	}
	lock, err := filelock.Acquire(ctx, s.path, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	s.lock = lock
	return nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA synchronous=FULL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma synchronous: %w", err)
	}
	return db, nil
}

func (s *Store) load(ctx context.Context, schema domain.Schema) (domain.Snapshot, error) {
	corrupt := func(err error) error { return domain.NewLoadError(domain.LoadCorrupt, s.path, err) }

	var check string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&check); err != nil {
		return domain.Snapshot{}, corrupt(fmt.Errorf("integrity check: %w", err))
	}
	if check != "ok" {
		return domain.Snapshot{}, corrupt(fmt.Errorf("integrity check: %s", check))
	}

	meta, err := readMeta(ctx, s.db)
	if err != nil {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadSchemaMismatch, s.path, err)
	}
	if meta[codec.MetaFingerprint] != schema.Fingerprint() {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadSchemaMismatch, s.path,
			fmt.Errorf("fingerprint %q, want %q", meta[codec.MetaFingerprint], schema.Fingerprint()))
	}
	version, _ := strconv.Atoi(meta[codec.MetaSchemaVersion])

	rows, err := s.db.QueryContext(ctx, `SELECT id, entity, payload, created_at, updated_at FROM storestack_objects`)
	if err != nil {
		return domain.Snapshot{}, corrupt(fmt.Errorf("select objects: %w", err))
	}
	defer func() { _ = rows.Close() }()
	objects := make(map[string]domain.Object)
	for rows.Next() {
		var row codec.Row
		if err := rows.Scan(&row.ID, &row.Entity, &row.Payload, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return domain.Snapshot{}, corrupt(fmt.Errorf("scan: %w", err))
		}
		obj, err := codec.DecodeObject(row)
		if err != nil {
			return domain.Snapshot{}, corrupt(err)
		}
		objects[obj.ID] = obj
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, corrupt(fmt.Errorf("iterate objects: %w", err))
	}
	return domain.Snapshot{
		SchemaVersion: version,
		Fingerprint:   meta[codec.MetaFingerprint],
		Objects:       objects,
	}, nil
}

func readMeta(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM storestack_meta`)
	if err != nil {
		return nil, fmt.Errorf("select meta: %w", err)
	}
	defer func() { _ = rows.Close() }()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// Recreate implements domain.Backend.
func (s *Store) Recreate(ctx context.Context, schema domain.Schema) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", s.path+suffix, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	db, err := openDB(ctx, s.path)
	if err != nil {
		return err
	}
	if err := createTables(ctx, db, schema); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func createTables(ctx context.Context, db *sql.DB, schema domain.Schema) (retErr error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS storestack_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS storestack_objects (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS storestack_objects_entity ON storestack_objects(entity)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	meta := map[string]string{
		codec.MetaSchemaVersion: strconv.Itoa(schema.Version),
		codec.MetaFingerprint:   schema.Fingerprint(),
		codec.MetaCreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO storestack_meta(key,value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Write implements domain.Backend.
func (s *Store) Write(ctx context.Context, batch domain.Batch) (retErr error) {
	if s.db == nil {
		return errors.New("sqlite store not open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, obj := range batch.Upserts {
		row, err := codec.EncodeObject(obj)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO storestack_objects(id,entity,payload,created_at,updated_at) VALUES(?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET entity=excluded.entity, payload=excluded.payload, created_at=excluded.created_at, updated_at=excluded.updated_at`,
			row.ID, row.Entity, row.Payload, row.CreatedAt, row.UpdatedAt); err != nil {
			return fmt.Errorf("upsert %s: %w", obj.ID, err)
		}
	}
	for _, id := range batch.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM storestack_objects WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ExportRaw implements domain.RawExporter.
func (s *Store) ExportRaw(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Close implements domain.Backend.
func (s *Store) Close() error {
	var dbErr error
	if s.db != nil {
		dbErr = s.db.Close()
		s.db = nil
	}
	lockErr := s.lock.Release()
	s.lock = nil
	return errors.Join(dbErr, lockErr)
}
