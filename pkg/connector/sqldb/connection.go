package sqldb

import (
	"context"
	"database/sql"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
)

// remoteSQLConnector is the database/sql-backed connector, parameterised by
// dialect.
type remoteSQLConnector struct {
	dialect Dialect
}

// NewConnector creates a connector for the dialect.
func NewConnector(d Dialect) connector.Connector {
	return &remoteSQLConnector{dialect: d}
}

func (c *remoteSQLConnector) Type() string {
	return c.dialect.Name()
}

// OpenPool opens the source database and a role-keyed pool of pinned
// connections over it.
func (c *remoteSQLConnector) OpenPool(opts map[string]string, entities *connector.EntityRegistry, logger *log.Logger) (connector.ConnectionPool, error) {
	dsn := opts["dsn"]
	if dsn == "" {
		return nil, errors.New(errors.ErrCodeConfigMissing,
			"remote sql connector requires a dsn option").Err()
	}

	db, err := sql.Open(c.dialect.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceRefused,
			"failed to open source database").
			WithField("dialect", c.dialect.Name()).
			Err()
	}

	cfg := connector.DefaultPoolConfig()

	pool := connector.NewPool(cfg, func(ctx context.Context, role string) (connector.Connection, error) {
		// Transactions require statements pinned to one physical
		// connection, so each pooled connection owns a *sql.Conn.
		sqlConn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}

		conn := &Connection{
			dialect:  c.dialect,
			db:       db,
			conn:     sqlConn,
			entities: entities,
			logger:   logger,
		}
		conn.compiler = newCompiler(c.dialect, entities)
		return conn, nil
	}, logger)

	return &dbPool{Pool: pool, db: db}, nil
}

// dbPool closes the shared database handle with the pool.
type dbPool struct {
	*connector.Pool
	db *sql.DB
}

func (p *dbPool) Close() error {
	return errors.Join(p.Pool.Close(), p.db.Close())
}

// Connection is one pinned connection to the source database.
type Connection struct {
	dialect  Dialect
	db       *sql.DB
	conn     *sql.Conn
	entities *connector.EntityRegistry
	logger   *log.Logger
	compiler *compiler

	tx *sql.Tx
}

// Planner implements connector.Connection.
func (c *Connection) Planner() connector.QueryPlanner {
	return &planner{conn: c}
}

// Compiler implements connector.Connection.
func (c *Connection) Compiler() connector.QueryCompiler {
	return c.compiler
}

// Prepare implements connector.Connection.
func (c *Connection) Prepare(ctx context.Context, q connector.NativeQuery) (connector.QueryHandle, error) {
	return newQueryHandle(c, q), nil
}

// Transactions implements connector.Connection.
func (c *Connection) Transactions() connector.TransactionManager {
	return c
}

// BeginTransaction implements connector.TransactionManager.
func (c *Connection) BeginTransaction(ctx context.Context) error {
	if c.tx != nil {
		return errors.New(errors.ErrCodeTxnBegin, "transaction already in progress").Err()
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTxnBegin, "failed to begin transaction").Err()
	}
	c.tx = tx
	return nil
}

// CommitTransaction implements connector.TransactionManager.
func (c *Connection) CommitTransaction(ctx context.Context) error {
	if c.tx == nil {
		return errors.New(errors.ErrCodeTxnCommit, "no transaction in progress").Err()
	}

	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTxnCommit, "failed to commit transaction").Err()
	}
	return nil
}

// RollbackTransaction implements connector.TransactionManager.
func (c *Connection) RollbackTransaction(ctx context.Context) error {
	if c.tx == nil {
		return errors.New(errors.ErrCodeTxnRollback, "no transaction in progress").Err()
	}

	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTxnRollback, "failed to rollback transaction").Err()
	}
	return nil
}

// Close rolls back any open transaction and releases the pinned connection.
func (c *Connection) Close() error {
	var errs []error
	if c.tx != nil {
		errs = append(errs, c.tx.Rollback())
		c.tx = nil
	}
	errs = append(errs, c.conn.Close())
	return errors.Join(errs...)
}

// queryContext routes through the open transaction when there is one.
func (c *Connection) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *Connection) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if c.tx != nil {
		return c.tx.QueryRowContext(ctx, query, args...)
	}
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *Connection) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.conn.ExecContext(ctx, query, args...)
}

var _ connector.Connection = (*Connection)(nil)
var _ connector.TransactionManager = (*Connection)(nil)
