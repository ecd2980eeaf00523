// Package sqldb implements the remote-SQL connector: a generic connector
// over database/sql that compiles pushed-down operator trees into
// parameterised SQL. Per-source behaviour (identifier quoting, parameter
// placeholders, pagination syntax, catalog discovery) is factored into a
// Dialect; the sqlite, mssql and postgres dialects ship with the gateway.
package sqldb

import (
	"context"
	"database/sql"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
)

// Dialect captures the source-specific SQL surface.
type Dialect interface {
	// Name is the dialect identifier.
	Name() string

	// DriverName is the database/sql driver to open connections with.
	DriverName() string

	// QuoteIdent quotes an identifier.
	QuoteIdent(ident string) string

	// Placeholder renders the n-th (1-based) parameter placeholder.
	Placeholder(n int) string

	// CompilePagination renders the LIMIT/OFFSET clause, or "" when both
	// are unset.
	CompilePagination(limit, offset uint64) string

	// SupportsRowLocking reports whether FOR UPDATE row locking is
	// available.
	SupportsRowLocking() bool

	// RowLockingClause is the clause appended for locked selects.
	RowLockingClause() string

	// MaxBulkInsertRows caps multi-row VALUES inserts.
	MaxBulkInsertRows() uint32

	// Discover enumerates the source's relations.
	Discover(ctx context.Context, db *sql.DB, opts connector.DiscoveryOptions) ([]connector.EntityConfig, error)

	// ColumnType maps a source catalog type name to the wire type.
	// Unmappable types return false; discovery then skips the column's
	// table without logging a warning.
	ColumnType(sourceType string) (data.DataType, bool)
}

var dialects = map[string]Dialect{}

// RegisterDialect makes a dialect available by name.
func RegisterDialect(d Dialect) {
	dialects[d.Name()] = d
}

// LookupDialect returns the dialect registered under the name.
func LookupDialect(name string) (Dialect, bool) {
	d, ok := dialects[name]
	return d, ok
}
