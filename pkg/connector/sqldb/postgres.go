package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
)

// postgresDialect compiles for PostgreSQL sources via the pgx stdlib
// driver.
type postgresDialect struct{}

func init() {
	RegisterDialect(postgresDialect{})
	connector.Register(NewConnector(postgresDialect{}))
}

func (postgresDialect) Name() string {
	return "postgres"
}

func (postgresDialect) DriverName() string {
	return "pgx"
}

func (postgresDialect) QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (postgresDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (postgresDialect) CompilePagination(limit, offset uint64) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf("LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf("OFFSET %d", offset)
	default:
		return ""
	}
}

func (postgresDialect) SupportsRowLocking() bool {
	return true
}

func (postgresDialect) RowLockingClause() string {
	return "FOR UPDATE"
}

func (postgresDialect) MaxBulkInsertRows() uint32 {
	// Bounded by the 65535 bind-parameter limit in the worst case; a
	// conservative cap keeps statements well under it.
	return 1000
}

func (postgresDialect) ColumnType(sourceType string) (data.DataType, bool) {
	switch strings.ToLower(strings.TrimSpace(sourceType)) {
	case "boolean", "bool":
		return data.Boolean(), true
	case "smallint", "int2":
		return data.Int16(), true
	case "integer", "int", "int4":
		return data.Int32(), true
	case "bigint", "int8":
		return data.Int64(), true
	case "real", "float4":
		return data.Float32(), true
	case "double precision", "float8":
		return data.Float64(), true
	case "numeric", "decimal":
		return data.Decimal(), true
	case "character varying", "varchar", "character", "char", "text", "name":
		return data.Utf8String(), true
	case "bytea":
		return data.Binary(), true
	case "date":
		return data.Date(), true
	case "time", "time without time zone":
		return data.Time(), true
	case "timestamp", "timestamp without time zone":
		return data.DateTime(), true
	case "timestamptz", "timestamp with time zone":
		return data.DateTimeWithTZ(), true
	case "uuid":
		return data.UUID(), true
	case "json", "jsonb":
		return data.JSON(), true
	default:
		return data.DataType{}, false
	}
}

// Discover enumerates tables and columns from the information schema in
// ordinal order.
func (d postgresDialect) Discover(ctx context.Context, db *sql.DB, opts connector.DiscoveryOptions) ([]connector.EntityConfig, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.table_schema, c.table_name, c.column_name, c.data_type, c.is_nullable,
		       CASE WHEN pk.column_name IS NULL THEN 0 ELSE 1 END AS is_pk
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT ku.table_schema, ku.table_name, ku.column_name
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage ku
				ON tc.constraint_name = ku.constraint_name
			WHERE tc.constraint_type = 'PRIMARY KEY'
		) pk ON pk.table_schema = c.table_schema
			AND pk.table_name = c.table_name
			AND pk.column_name = c.column_name
		WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.table_schema, c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to query information schema").Err()
	}
	defer rows.Close()

	type colInfo struct {
		name     string
		dataType string
		nullable bool
		pk       bool
	}
	type tableKey struct {
		schema, name string
	}

	var order []tableKey
	columns := make(map[tableKey][]colInfo)

	for rows.Next() {
		var (
			schema, table, column, dataType, isNullable string
			isPK                                        int
		)
		if err := rows.Scan(&schema, &table, &column, &dataType, &isNullable, &isPK); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeSourceError,
				"failed to scan information schema row").Err()
		}

		key := tableKey{schema, table}
		if _, seen := columns[key]; !seen {
			order = append(order, key)
		}
		columns[key] = append(columns[key], colInfo{
			name:     column,
			dataType: dataType,
			nullable: strings.EqualFold(isNullable, "YES"),
			pk:       isPK == 1,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to enumerate information schema").Err()
	}

	var entities []connector.EntityConfig
	for _, key := range order {
		qualified := key.schema + "." + key.name
		if !opts.MatchesRemoteSchema(qualified) {
			continue
		}

		entity := connector.EntityConfig{
			ID: key.name,
			SourceConfig: map[string]string{
				"schema": key.schema,
				"table":  key.name,
			},
		}

		mappable := true
		for _, col := range columns[key] {
			colType, ok := d.ColumnType(col.dataType)
			if !ok {
				mappable = false
				break
			}
			entity.Attributes = append(entity.Attributes, connector.EntityAttributeConfig{
				Name:       col.name,
				Type:       colType,
				Nullable:   col.nullable && !col.pk,
				PrimaryKey: col.pk,
			})
		}

		if mappable {
			entities = append(entities, entity)
		}
	}

	return entities, nil
}
