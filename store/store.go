// Package store holds the persistent storage behind the request cache.
// A Database owns one lazily opened connection and exposes the single
// requests table.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Method is the HTTP method a cached response belongs to.
type Method string

// MethodGet is the only method cached today.
// New methods can be added without changing the table layout.
const MethodGet Method = "GET"

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodGet:
		return true
	}
	return false
}

// ErrSchemaVersion is returned when a database was written by a newer schema.
// Migrations are not supported.
var ErrSchemaVersion = errors.New("unsupported schema version")

// Entry is one stored response.
type Entry struct {
	// ID is assigned by the storage on insert.
	ID      int64
	Key     string
	Method  Method
	Res     []byte
	TTL     time.Duration
	Version string
	// UpdatedAt is the write time and the basis for TTL validation.
	// It is stored with millisecond precision.
	UpdatedAt time.Time
}

// Table is the requests table of a Database.
//
// Implementations must be thread-safe!
type Table interface {
	// Get returns the entry stored under key.
	// The boolean is false if there is no such entry.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Add stores the entry under its key and returns the entry id.
	// An existing entry with the same key is replaced (last write wins)
	// and the new entry gets a new id, so a late Delete of the old id
	// does not remove it.
	Add(ctx context.Context, e Entry) (int64, error)
	// Delete removes the entry with the given id.
	// Deleting a missing id is not an error.
	Delete(ctx context.Context, id int64) error
}

// Database is a lazily opened storage handle.
type Database interface {
	// Exists reports whether the database has ever been created.
	// It does not open a connection.
	Exists(ctx context.Context) (bool, error)
	// Requests opens the database on first use, declaring the schema once,
	// and returns the requests table. Later calls only re-open the handle.
	Requests(ctx context.Context) (Table, error)
	// Close releases the handle.
	Close() error
}
