// Package postgres provides a Postgres-backed store using the same row layout
// as the sqlite backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"storestack/internal/infra/persistence/codec"
	"storestack/pkg/domain"
)

// Driver is the backend driver name.
const Driver = "postgres"

const (
	sqlDriver  = "pgx"
	defaultDSN = "postgres://localhost/storestack?sslmode=disable"

	undefinedTable = "42P01"
)

var _ domain.Backend = (*Store)(nil)

var _ sqlStater = (*pgconn.PgError)(nil)

type sqlStater interface{ SQLState() string }

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store implements domain.Backend on a Postgres database.
type Store struct {
	dsn string
	db  *sql.DB
}

// NewStore returns an unopened store for dsn (falls back to defaultDSN).
func NewStore(dsn string) *Store {
	if dsn == "" {
		dsn = defaultDSN
	}
	return &Store{dsn: dsn}
}

// Driver implements domain.Backend.
func (s *Store) Driver() string { return Driver }

// Location implements domain.Backend.
func (s *Store) Location() string { return s.dsn }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) connect(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	openMu.Lock()
	db, err := sqlOpen(sqlDriver, s.dsn)
	openMu.Unlock()
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	s.db = db
	return nil
}

// Open implements domain.Backend. Absent tables are reported as a missing
// store; connection failures are returned unwrapped so that the manager
// does not reset a database it simply cannot reach.
func (s *Store) Open(ctx context.Context, schema domain.Schema) (domain.Snapshot, error) {
	if err := s.connect(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	meta, err := s.readMeta(ctx)
	if err != nil {
		if isUndefinedTable(err) {
			return domain.Snapshot{}, domain.NewLoadError(domain.LoadMissing, s.dsn, err)
		}
		return domain.Snapshot{}, err
	}
	if len(meta) == 0 {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadMissing, s.dsn, errors.New("no meta rows"))
	}
	if meta[codec.MetaFingerprint] != schema.Fingerprint() {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadSchemaMismatch, s.dsn,
			fmt.Errorf("fingerprint %q, want %q", meta[codec.MetaFingerprint], schema.Fingerprint()))
	}
	version, _ := strconv.Atoi(meta[codec.MetaSchemaVersion])
	objects, err := s.readObjects(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{SchemaVersion: version, Fingerprint: meta[codec.MetaFingerprint], Objects: objects}, nil
}

func isUndefinedTable(err error) bool {
	var state sqlStater
	return errors.As(err, &state) && state.SQLState() == undefinedTable
}

func (s *Store) readMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM storestack_meta`)
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

func (s *Store) readObjects(ctx context.Context) (map[string]domain.Object, error) {
	corrupt := func(err error) error { return domain.NewLoadError(domain.LoadCorrupt, s.dsn, err) }
	rows, err := s.db.QueryContext(ctx, `SELECT id, entity, payload, created_at, updated_at FROM storestack_objects`)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, corrupt(err)
		}
		return nil, fmt.Errorf("select objects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	objects := make(map[string]domain.Object)
	for rows.Next() {
		var row codec.Row
		if err := rows.Scan(&row.ID, &row.Entity, &row.Payload, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, corrupt(fmt.Errorf("scan: %w", err))
		}
		obj, err := codec.DecodeObject(row)
		if err != nil {
			return nil, corrupt(err)
		}
		objects[obj.ID] = obj
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}
	return objects, nil
}

// Recreate implements domain.Backend by dropping and recreating both tables.
func (s *Store) Recreate(ctx context.Context, schema domain.Schema) (retErr error) {
	if err := s.connect(ctx); err != nil {
		return err
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
	stmts := []string{
		`DROP TABLE IF EXISTS storestack_objects`,
		`DROP TABLE IF EXISTS storestack_meta`,
		`CREATE TABLE IF NOT EXISTS storestack_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS storestack_objects (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS storestack_objects_entity ON storestack_objects(entity)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recreate tables: %w", err)
		}
	}
	meta := [][2]string{
		{codec.MetaSchemaVersion, strconv.Itoa(schema.Version)},
		{codec.MetaFingerprint, schema.Fingerprint()},
		{codec.MetaCreatedAt, time.Now().UTC().Format(time.RFC3339Nano)},
	}
	for _, kv := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO storestack_meta(key,value) VALUES($1,$2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("write meta %s: %w", kv[0], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Write implements domain.Backend.
func (s *Store) Write(ctx context.Context, batch domain.Batch) (retErr error) {
	if s.db == nil {
		return errors.New("postgres store not open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO storestack_objects(id,entity,payload,created_at,updated_at) VALUES($1,$2,$3,$4,$5)
			ON CONFLICT(id) DO UPDATE SET entity=EXCLUDED.entity, payload=EXCLUDED.payload, created_at=EXCLUDED.created_at, updated_at=EXCLUDED.updated_at`,
			row.ID, row.Entity, row.Payload, row.CreatedAt, row.UpdatedAt); err != nil {
			return fmt.Errorf("upsert %s: %w", obj.ID, err)
		}
	}
	for _, id := range batch.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM storestack_objects WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close implements domain.Backend.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
