package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"

	_ "github.com/glebarez/go-sqlite"
)

const schemaVersion = 1

const createRequestsTable = `CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	method TEXT NOT NULL,
	res BLOB,
	ttl INTEGER NOT NULL,
	version TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLite is a Database kept in a sqlite file.
type SQLite struct {
	path  string
	mutex *sync.Mutex
	db    *sql.DB
}

var _ Database = (*SQLite)(nil)

// NewSQLite returns a handle for the database at path.
// Nothing is opened or created until Requests is called.
// Paths containing ":memory:" give an in-memory database.
func NewSQLite(path string) *SQLite {
	return &SQLite{
		path:  path,
		mutex: &sync.Mutex{},
	}
}

func (s *SQLite) inMemory() bool {
	return strings.Contains(s.path, ":memory:")
}

// Path returns the database path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Exists(ctx context.Context) (bool, error) {
	if s.inMemory() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		return s.db != nil, nil
	}
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat %s", s.path)
}

func (s *SQLite) Requests(ctx context.Context) (Table, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return nil, errors.Wrap(err, "reopen database")
		}
		return sqliteTable{db: s.db}, nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", s.path)
	}
	// a single connection serializes access, and keeps one in-memory database
	db.SetMaxOpenConns(1)
	if err := s.declareSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	return sqliteTable{db: db}, nil
}

// declareSchema creates the requests table unless the database already has it.
// For files it holds a lock next to the database while doing so.
func (s *SQLite) declareSchema(ctx context.Context, db *sql.DB) error {
	if !s.inMemory() {
		lock := flock.New(s.path + ".lock")
		if _, err := lock.TryLockContext(ctx, 50*time.Millisecond); err != nil {
			return errors.Wrap(err, "lock schema")
		}
		defer lock.Unlock()
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	if version == schemaVersion {
		return nil
	}
	if version > schemaVersion {
		return errors.Wrapf(ErrSchemaVersion, "database version %d, supported %d", version, schemaVersion)
	}

	stmts := []string{createRequestsTable}
	if !s.inMemory() {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	stmts = append(stmts, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "declare schema")
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type sqliteTable struct {
	db *sql.DB
}

func (t sqliteTable) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e         Entry
		method    string
		ttl       int64
		updatedAt int64
	)
	err := t.db.QueryRowContext(ctx,
		"SELECT id, key, method, res, ttl, version, updated_at FROM requests WHERE key = ?", key,
	).Scan(&e.ID, &e.Key, &method, &e.Res, &ttl, &e.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "get %s", key)
	}
	e.Method = Method(method)
	e.TTL = time.Duration(ttl) * time.Millisecond
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return e, true, nil
}

func (t sqliteTable) Add(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := t.db.QueryRowContext(ctx,
		`INSERT OR REPLACE INTO requests (key, method, res, ttl, version, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.Key, string(e.Method), e.Res, e.TTL.Milliseconds(), e.Version, e.UpdatedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "add %s", e.Key)
	}
	return id, nil
}

func (t sqliteTable) Delete(ctx context.Context, id int64) error {
	if _, err := t.db.ExecContext(ctx, "DELETE FROM requests WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "delete %d", id)
	}
	return nil
}
