// Package driver defines the contract docbind expects from a document
// database: connect to get a Handle, run a Query on the Handle, close it.
//
// Backends live in subpackages:
//   - memdb: in-process engine, used by tests and the CLI's memory backend
//   - sqlitedb: JSON documents in SQLite tables (github.com/mattn/go-sqlite3)
//   - mongodb: MongoDB collections (go.mongodb.org/mongo-driver)
//
// A Handle is not safe for concurrent use. The connection package hands each
// Handle to exactly one caller at a time.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default connection parameters.
const (
	DefaultHost       = "localhost"
	DefaultPort       = 28015
	DefaultDB         = "test"
	DefaultPrimaryKey = "id"
	DefaultUser       = "admin"
)

var (
	// ErrHandleClosed is returned when running a query on a closed handle.
	ErrHandleClosed = errors.New("handle is closed")

	// ErrNotFound is returned by Get when no document has the requested key.
	ErrNotFound = errors.New("document not found")
)

// ConnectOptions carries the parameters for opening one Handle.
type ConnectOptions struct {
	Host    string
	Port    int
	DB      string
	AuthKey string
	User    string

	// Name labels the connection in backend logs.
	Name string
}

// Address returns host:port.
func (o ConnectOptions) Address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// RunOptions are per-query execution options.
type RunOptions struct {
	// DB overrides the handle's default database for this query.
	DB string

	// Durability is "hard" (default) or "soft".
	Durability string

	// Priority orders the caller among waiters for a pooled handle. Lower
	// values are served first. Backends ignore it.
	Priority int
}

// Merge returns o with every non-zero field of over applied on top.
func (o RunOptions) Merge(over RunOptions) RunOptions {
	if over.DB != "" {
		o.DB = over.DB
	}
	if over.Durability != "" {
		o.Durability = over.Durability
	}
	if over.Priority != 0 {
		o.Priority = over.Priority
	}
	return o
}

// Handle is one live connection to the database.
type Handle interface {
	// Run executes q and returns the raw result.
	Run(ctx context.Context, q Query, opts RunOptions) (*Result, error)

	// Close releases the underlying connection.
	Close() error
}

// Driver opens handles.
type Driver interface {
	Connect(ctx context.Context, opts ConnectOptions) (Handle, error)
}

// Clock returns the database server's notion of "now". Backends stamp every
// ServerNow placeholder of a query with a single reading.
type Clock func() time.Time
