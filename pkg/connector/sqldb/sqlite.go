package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
)

// sqliteDialect compiles for SQLite via mattn/go-sqlite3. SQLite accepts
// the $N placeholder form natively.
type sqliteDialect struct{}

func init() {
	RegisterDialect(sqliteDialect{})
	connector.Register(NewConnector(sqliteDialect{}))
}

func (sqliteDialect) Name() string {
	return "sqlite"
}

func (sqliteDialect) DriverName() string {
	return "sqlite3"
}

func (sqliteDialect) QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (sqliteDialect) CompilePagination(limit, offset uint64) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf("LIMIT %d", limit)
	case offset > 0:
		// SQLite requires a LIMIT before OFFSET; -1 means unbounded.
		return fmt.Sprintf("LIMIT -1 OFFSET %d", offset)
	default:
		return ""
	}
}

func (sqliteDialect) SupportsRowLocking() bool {
	// SQLite serialises writers at the database level; there is no
	// row-level FOR UPDATE to compile.
	return false
}

func (sqliteDialect) RowLockingClause() string {
	return ""
}

func (sqliteDialect) MaxBulkInsertRows() uint32 {
	// Bounded by SQLITE_MAX_VARIABLE_NUMBER (999 by default) in the worst
	// single-column case.
	return 500
}

// ColumnType maps SQLite declared types via the usual affinity rules.
func (sqliteDialect) ColumnType(sourceType string) (data.DataType, bool) {
	t := strings.ToUpper(strings.TrimSpace(sourceType))

	// Strip any length suffix like VARCHAR(70).
	if idx := strings.IndexByte(t, '('); idx >= 0 {
		t = t[:idx]
	}

	switch {
	case t == "":
		return data.Utf8String(), true
	case strings.Contains(t, "INT"):
		return data.Int64(), true
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return data.Utf8String(), true
	case strings.Contains(t, "BLOB"):
		return data.Binary(), true
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return data.Float64(), true
	case t == "NUMERIC", t == "DECIMAL":
		return data.Decimal(), true
	case t == "BOOLEAN", t == "BOOL":
		return data.Boolean(), true
	case t == "DATE":
		return data.Date(), true
	case t == "DATETIME", t == "TIMESTAMP":
		return data.DateTime(), true
	default:
		return data.DataType{}, false
	}
}

// Discover enumerates tables from sqlite_master and their columns from
// PRAGMA table_info, preserving catalog ordinal order.
func (d sqliteDialect) Discover(ctx context.Context, db *sql.DB, opts connector.DiscoveryOptions) ([]connector.EntityConfig, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to enumerate tables").Err()
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeSourceError,
				"failed to scan table name").Err()
		}
		if opts.MatchesRemoteSchema(name) {
			tables = append(tables, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to enumerate tables").Err()
	}

	var entities []connector.EntityConfig
	for _, table := range tables {
		entity, err := d.discoverTable(ctx, db, table)
		if err != nil {
			// Per-table failures never abort discovery of the rest.
			continue
		}
		entities = append(entities, entity)
	}

	return entities, nil
}

func (d sqliteDialect) discoverTable(ctx context.Context, db *sql.DB, table string) (connector.EntityConfig, error) {
	entity := connector.EntityConfig{
		ID:           table,
		SourceConfig: map[string]string{"table": table},
	}

	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("PRAGMA table_info(%s)", d.QuoteIdent(table)))
	if err != nil {
		return entity, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to read table info").WithField("table", table).Err()
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			declType  string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dfltValue, &pk); err != nil {
			return entity, errors.Wrap(err, errors.ErrCodeSourceError,
				"failed to scan column info").WithField("table", table).Err()
		}

		colType, ok := d.ColumnType(declType)
		if !ok {
			return entity, errors.Newf(errors.ErrCodePlanEntity,
				"unmappable column type %q on %s.%s", declType, table, name).Err()
		}

		entity.Attributes = append(entity.Attributes, connector.EntityAttributeConfig{
			Name:       name,
			Type:       colType,
			Nullable:   notNull == 0 && pk == 0,
			PrimaryKey: pk > 0,
		})
	}

	return entity, rows.Err()
}

// sqliteSearcher adapts the dialect discovery to the EntitySearcher
// interface.
type sqliteSearcher struct {
	db *sql.DB
}

// NewSQLiteSearcher creates a searcher over an open SQLite handle.
func NewSQLiteSearcher(db *sql.DB) connector.EntitySearcher {
	return &sqliteSearcher{db: db}
}

func (s *sqliteSearcher) Discover(ctx context.Context, _ connector.Connection, opts connector.DiscoveryOptions) ([]connector.EntityConfig, error) {
	return sqliteDialect{}.Discover(ctx, s.db, opts)
}
