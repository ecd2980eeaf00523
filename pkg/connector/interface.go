package connector

import (
	"context"
	"encoding/json"
	"io"

	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// Connector is the factory for one data source type.
type Connector interface {
	// Type is the connector type identifier used in configuration.
	Type() string

	// OpenPool opens a connection pool against the source described by the
	// options blob. The registry carries the entities configured (or
	// discovered) for the source.
	OpenPool(opts map[string]string, entities *EntityRegistry, logger *log.Logger) (ConnectionPool, error)
}

// ConnectionPool hands out connections keyed by role identity. Acquisition
// waits up to the pool's configured deadline and then fails loudly.
type ConnectionPool interface {
	Acquire(ctx context.Context, role string) (Connection, error)
	Close() error
}

// Connection is an open connection to the source. A connection is shared
// (reference counted by the FDW layer) between query slots and the
// transaction coordinator.
type Connection interface {
	// Planner answers pushdown questions for this connection.
	Planner() QueryPlanner

	// Compiler turns a pushed-down operator tree into a native query.
	Compiler() QueryCompiler

	// Prepare creates a prepared-query handle for a compiled query.
	Prepare(ctx context.Context, q NativeQuery) (QueryHandle, error)

	// Transactions returns the connection's transaction manager, or nil
	// when the source does not support transactions.
	Transactions() TransactionManager

	Close() error
}

// TransactionManager drives the remote transaction on one connection.
type TransactionManager interface {
	BeginTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error
}

// EntitySearcher enumerates relations from the source's catalog. Individual
// relations that cannot be mapped are skipped (the avro searcher logs a
// warning for each, the remote-SQL searchers do not); discovery never fails
// globally for per-entity problems.
type EntitySearcher interface {
	Discover(ctx context.Context, conn Connection, opts DiscoveryOptions) ([]EntityConfig, error)
}

// OperationOutcome classifies a pushdown negotiation answer.
type OperationOutcome uint8

const (
	// OutcomeRemote: the operation was accepted and will run at the source.
	OutcomeRemote OperationOutcome = iota
	// OutcomeLocal: the engine must evaluate this operation itself.
	OutcomeLocal
	// OutcomeUnsupported: the connector declines the operation entirely.
	OutcomeUnsupported
)

func (o OperationOutcome) String() string {
	switch o {
	case OutcomeRemote:
		return "performed_remotely"
	case OutcomeLocal:
		return "performed_locally"
	case OutcomeUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// QueryOperationResult is the answer to one accretive operation.
type QueryOperationResult struct {
	Outcome OperationOutcome
	// Cost is meaningful only for OutcomeRemote.
	Cost OperationCost
}

func PerformedRemotely(cost OperationCost) QueryOperationResult {
	return QueryOperationResult{Outcome: OutcomeRemote, Cost: cost}
}

func PerformedLocally() QueryOperationResult {
	return QueryOperationResult{Outcome: OutcomeLocal}
}

func OperationUnsupported() QueryOperationResult {
	return QueryOperationResult{Outcome: OutcomeUnsupported}
}

// OperationCost estimates the cost of a remote operation. Unset fields are
// nil and fall back to defaults via DefaultTo.
type OperationCost struct {
	Rows        *uint64
	RowWidth    *uint32
	StartupCost *float64
	TotalCost   *float64
}

// NewOperationCost builds a cost from literal values; pass nil to leave a
// component unset.
func NewOperationCost(rows *uint64, rowWidth *uint32, startup, total *float64) OperationCost {
	return OperationCost{Rows: rows, RowWidth: rowWidth, StartupCost: startup, TotalCost: total}
}

// RowsCost is shorthand for a cost that only estimates a row count.
func RowsCost(rows uint64) OperationCost {
	return OperationCost{Rows: &rows}
}

// DefaultTo fills unset components from the supplied default, preferring
// explicit values.
func (c *OperationCost) DefaultTo(def OperationCost) {
	if c.Rows == nil {
		c.Rows = def.Rows
	}
	if c.RowWidth == nil {
		c.RowWidth = def.RowWidth
	}
	if c.StartupCost == nil {
		c.StartupCost = def.StartupCost
	}
	if c.TotalCost == nil {
		c.TotalCost = def.TotalCost
	}
}

// QueryPlanner answers pushdown questions over the operator trees.
type QueryPlanner interface {
	// EstimateSize estimates the row count of the entity.
	EstimateSize(ctx context.Context, entity *EntityConfig) (OperationCost, error)

	// CreateBaseQuery initialises the base operator tree for the entity
	// under the alias.
	CreateBaseQuery(ctx context.Context, entity *EntityConfig, alias string, qt sqlil.QueryType) (OperationCost, sqlil.Query, error)

	// ApplyOperation probes whether the operation can run remotely. On
	// OutcomeRemote the query has been extended; otherwise it is unchanged.
	ApplyOperation(ctx context.Context, q *sqlil.Query, op sqlil.QueryOperation) (QueryOperationResult, error)

	// RowIDExprs returns the row-identity expressions needed to address
	// rows for update/delete, with their types.
	RowIDExprs(ctx context.Context, entity *EntityConfig, alias string) ([]sqlil.Expr, []data.DataType, error)

	// MaxBulkInsertRows returns the per-dialect cap on multi-row inserts.
	MaxBulkInsertRows(ctx context.Context, entity *EntityConfig) (uint32, error)

	// Explain returns a JSON representation of the query state.
	Explain(ctx context.Context, q sqlil.Query, verbose bool) (json.RawMessage, error)
}

// NativeQuery is a compiled, source-specific query: parameterised SQL text
// for relational sources, or an operation descriptor for others.
type NativeQuery struct {
	// Query is the native query text (empty for descriptor-based sources).
	Query string

	// Params is the ordered parameter list, constants interleaved with
	// dynamic slots.
	Params []data.QueryParam

	// Descriptor carries a non-SQL operation description.
	Descriptor interface{}
}

// QueryCompiler produces a native query from a pushed-down operator tree.
type QueryCompiler interface {
	CompileQuery(ctx context.Context, q sqlil.Query) (NativeQuery, error)
}

// QueryHandle mirrors the FDW query-slot API on the connector side.
type QueryHandle interface {
	// InputStructure is the frozen dynamic-parameter layout.
	InputStructure() data.QueryInputStructure

	// Write streams framed parameter bytes into the handle.
	io.Writer

	// Restart clears streamed input, returning the handle to its prepared
	// state so it can be executed again.
	Restart() error

	// ExecuteQuery runs the query and returns the result stream. Fails
	// with QueryNotReady until all dynamic parameters are written.
	ExecuteQuery(ctx context.Context) (ResultSet, error)

	// ExecuteModify runs a DML query and returns the affected row count,
	// or nil when the source cannot report one.
	ExecuteModify(ctx context.Context) (*uint64, error)

	// Logged returns the query in loggable form for observability.
	Logged() (string, []data.DataValue, error)

	Close() error
}

// ResultSet streams framed row data.
type ResultSet interface {
	RowStructure() RowStructure

	// Read fills p with framed value bytes (see pkg/data framing), column
	// by column, row by row. Returns io.EOF once drained.
	io.Reader

	Close() error
}
