package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
)

// mssqlDialect compiles for SQL Server via microsoft/go-mssqldb.
type mssqlDialect struct{}

func init() {
	RegisterDialect(mssqlDialect{})
	connector.Register(NewConnector(mssqlDialect{}))
}

func (mssqlDialect) Name() string {
	return "mssql"
}

func (mssqlDialect) DriverName() string {
	return "sqlserver"
}

func (mssqlDialect) QuoteIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func (mssqlDialect) Placeholder(n int) string {
	return fmt.Sprintf("@p%d", n)
}

func (mssqlDialect) CompilePagination(limit, offset uint64) string {
	if limit == 0 && offset == 0 {
		return ""
	}

	// OFFSET/FETCH is only valid after an ORDER BY; the compiler adds the
	// constant ordering ORDER BY (SELECT NULL) when the query has none.
	clause := fmt.Sprintf("OFFSET %d ROWS", offset)
	if limit > 0 {
		clause += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)
	}
	return clause
}

func (mssqlDialect) SupportsRowLocking() bool {
	return true
}

func (mssqlDialect) RowLockingClause() string {
	return "WITH (UPDLOCK)"
}

func (mssqlDialect) MaxBulkInsertRows() uint32 {
	// SQL Server caps a VALUES list at 1000 row constructors.
	return 1000
}

func (mssqlDialect) ColumnType(sourceType string) (data.DataType, bool) {
	switch strings.ToLower(strings.TrimSpace(sourceType)) {
	case "bit":
		return data.Boolean(), true
	case "tinyint":
		return data.UInt8(), true
	case "smallint":
		return data.Int16(), true
	case "int":
		return data.Int32(), true
	case "bigint":
		return data.Int64(), true
	case "real":
		return data.Float32(), true
	case "float":
		return data.Float64(), true
	case "decimal", "numeric", "money", "smallmoney":
		return data.Decimal(), true
	case "char", "varchar", "text", "nchar", "nvarchar", "ntext":
		return data.Utf8String(), true
	case "binary", "varbinary", "image":
		return data.Binary(), true
	case "date":
		return data.Date(), true
	case "time":
		return data.Time(), true
	case "datetime", "datetime2", "smalldatetime":
		return data.DateTime(), true
	case "datetimeoffset":
		return data.DateTimeWithTZ(), true
	case "uniqueidentifier":
		return data.UUID(), true
	default:
		return data.DataType{}, false
	}
}

// Discover enumerates tables and columns from the information schema,
// ordered by ordinal position.
func (d mssqlDialect) Discover(ctx context.Context, db *sql.DB, opts connector.DiscoveryOptions) ([]connector.EntityConfig, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.TABLE_SCHEMA, c.TABLE_NAME, c.COLUMN_NAME, c.DATA_TYPE, c.IS_NULLABLE,
		       CASE WHEN pk.COLUMN_NAME IS NULL THEN 0 ELSE 1 END AS IS_PK
		FROM INFORMATION_SCHEMA.COLUMNS c
		LEFT JOIN (
			SELECT ku.TABLE_SCHEMA, ku.TABLE_NAME, ku.COLUMN_NAME
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE ku
				ON tc.CONSTRAINT_NAME = ku.CONSTRAINT_NAME
			WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		) pk ON pk.TABLE_SCHEMA = c.TABLE_SCHEMA
			AND pk.TABLE_NAME = c.TABLE_NAME
			AND pk.COLUMN_NAME = c.COLUMN_NAME
		ORDER BY c.TABLE_SCHEMA, c.TABLE_NAME, c.ORDINAL_POSITION`)
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

		// Tables with unmappable columns are skipped, not fatal.
		if mappable {
			entities = append(entities, entity)
		}
	}

	return entities, nil
}
