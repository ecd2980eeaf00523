package avrofile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hamba/avro/v2"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

type avroConnector struct{}

func init() {
	connector.Register(avroConnector{})
}

func (avroConnector) Type() string {
	return "avro"
}

// OpenPool serves entities whose source config names an avro file path.
func (avroConnector) OpenPool(opts map[string]string, entities *connector.EntityRegistry, logger *log.Logger) (connector.ConnectionPool, error) {
	pool := connector.NewPool(connector.DefaultPoolConfig(),
		func(ctx context.Context, role string) (connector.Connection, error) {
			return &avroConnection{entities: entities, logger: logger}, nil
		}, logger)
	return pool, nil
}

// avroConnection is a connection over the configured avro files. Appends on
// the same file are serialised by a per-path lock.
type avroConnection struct {
	entities *connector.EntityRegistry
	logger   *log.Logger
}

var (
	fileLocksMu sync.Mutex
	fileLocks   = map[string]*sync.Mutex{}
)

func lockFor(path string) *sync.Mutex {
	fileLocksMu.Lock()
	defer fileLocksMu.Unlock()
	l, ok := fileLocks[path]
	if !ok {
		l = &sync.Mutex{}
		fileLocks[path] = l
	}
	return l
}

func (c *avroConnection) Planner() connector.QueryPlanner {
	return &avroPlanner{conn: c}
}

func (c *avroConnection) Compiler() connector.QueryCompiler {
	return &avroCompiler{conn: c}
}

func (c *avroConnection) Prepare(ctx context.Context, q connector.NativeQuery) (connector.QueryHandle, error) {
	desc, ok := q.Descriptor.(avroQuery)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal,
			"avro connector received a foreign native query").Err()
	}
	return newAvroHandle(c, desc, q.Params), nil
}

// Transactions returns nil: avro files have no transaction semantics.
func (c *avroConnection) Transactions() connector.TransactionManager {
	return nil
}

func (c *avroConnection) Close() error {
	return nil
}

func (c *avroConnection) entityPath(entity *connector.EntityConfig) (string, error) {
	path := entity.SourceConfig["path"]
	if path == "" {
		return "", errors.Newf(errors.ErrCodeConfigMissing,
			"avro entity %q has no path in its source config", entity.ID).Err()
	}
	return path, nil
}

// avroPlanner answers pushdown questions for avro file relations: column
// projection runs remotely (the reader materialises only projected fields);
// everything else is evaluated by the engine. Inserts append.
type avroPlanner struct {
	conn *avroConnection
}

func (p *avroPlanner) EstimateSize(ctx context.Context, entity *connector.EntityConfig) (connector.OperationCost, error) {
	path, err := p.conn.entityPath(entity)
	if err != nil {
		return connector.OperationCost{}, err
	}

	// Avoid a full scan: derive a crude estimate from the file size.
	info, err := os.Stat(path)
	if err != nil {
		return connector.RowsCost(0), nil
	}

	width := uint32(len(entity.Attributes) * 16)
	if width == 0 {
		width = 16
	}
	rows := uint64(info.Size()) / uint64(width)
	return connector.OperationCost{Rows: &rows, RowWidth: &width}, nil
}

func (p *avroPlanner) CreateBaseQuery(ctx context.Context, entity *connector.EntityConfig, alias string, qt sqlil.QueryType) (connector.OperationCost, sqlil.Query, error) {
	source := sqlil.EntitySource{EntityID: entity.ID, Alias: alias}

	var q sqlil.Query
	switch qt {
	case sqlil.QueryTypeSelect:
		q = sqlil.SelectQuery(sqlil.NewSelect(source))
	case sqlil.QueryTypeInsert:
		q = sqlil.InsertQuery(sqlil.NewInsert(source))
	case sqlil.QueryTypeBulkInsert:
		q = sqlil.BulkInsertQuery(sqlil.NewBulkInsert(source))
	default:
		return connector.OperationCost{}, sqlil.Query{}, errors.Newf(errors.ErrCodePlanUnsupported,
			"avro files do not support %s", qt).Err()
	}

	cost, err := p.EstimateSize(ctx, entity)
	if err != nil {
		return connector.OperationCost{}, sqlil.Query{}, err
	}
	return cost, q, nil
}

func (p *avroPlanner) ApplyOperation(ctx context.Context, q *sqlil.Query, op sqlil.QueryOperation) (connector.QueryOperationResult, error) {
	if !op.ValidFor(q.Type) {
		return connector.QueryOperationResult{}, errors.Newf(errors.ErrCodePlanInvalidOp,
			"operation %s is not valid for %s query", op.Kind, q.Type).Err()
	}

	accept := false
	switch q.Type {
	case sqlil.QueryTypeSelect:
		if op.Kind == sqlil.OpAddColumn {
			_, accept = op.Expr.(sqlil.Attribute)
		}
	case sqlil.QueryTypeInsert:
		accept = op.Kind == sqlil.OpAddColumn
	case sqlil.QueryTypeBulkInsert:
		accept = op.Kind == sqlil.OpSetBulkRows
	}

	if !accept {
		return connector.PerformedLocally(), nil
	}

	probe := q.Clone()
	if err := probe.Apply(op); err != nil {
		return connector.QueryOperationResult{}, err
	}
	*q = probe

	return connector.PerformedRemotely(connector.RowsCost(defaultFileRowEstimate)), nil
}

const defaultFileRowEstimate = 1000

func (p *avroPlanner) RowIDExprs(ctx context.Context, entity *connector.EntityConfig, alias string) ([]sqlil.Expr, []data.DataType, error) {
	return nil, nil, errors.New(errors.ErrCodePlanNoRowID,
		"avro file rows have no addressable row identity").Err()
}

func (p *avroPlanner) MaxBulkInsertRows(ctx context.Context, entity *connector.EntityConfig) (uint32, error) {
	return 10000, nil
}

func (p *avroPlanner) Explain(ctx context.Context, q sqlil.Query, verbose bool) (json.RawMessage, error) {
	out := map[string]interface{}{
		"type":   q.Type.String(),
		"entity": q.Source().EntityID,
		"source": "avro",
	}
	if verbose {
		if entity, ok := p.conn.entities.Get(q.Source().EntityID); ok {
			out["path"] = entity.SourceConfig["path"]
		}
	}
	return json.Marshal(out)
}

// avroQuery is the compiled descriptor for a file operation.
type avroQuery struct {
	queryType sqlil.QueryType
	entityID  string

	// Select: projected field per output column.
	cols []sqlil.Aliased

	// Insert/BulkInsert: target field names row-major with their exprs.
	insertCols []string
	insertVals []sqlil.Expr
}

type avroCompiler struct {
	conn *avroConnection
}

func (c *avroCompiler) CompileQuery(ctx context.Context, q sqlil.Query) (connector.NativeQuery, error) {
	desc := avroQuery{queryType: q.Type, entityID: q.Source().EntityID}
	var params []data.QueryParam

	collect := func(e sqlil.Expr) error {
		switch n := e.(type) {
		case sqlil.Parameter:
			params = append(params, data.DynamicParam(n.ID, n.Type))
		case sqlil.Constant:
			params = append(params, data.ConstantParam(n.Value))
		default:
			return errors.New(errors.ErrCodePlanUnsupported,
				"avro files accept only parameter and constant values").Err()
		}
		return nil
	}

	switch q.Type {
	case sqlil.QueryTypeSelect:
		desc.cols = q.Select.Cols

	case sqlil.QueryTypeInsert:
		for _, col := range q.Insert.Cols {
			desc.insertCols = append(desc.insertCols, col.Alias)
			desc.insertVals = append(desc.insertVals, col.Expr)
			if err := collect(col.Expr); err != nil {
				return connector.NativeQuery{}, err
			}
		}

	case sqlil.QueryTypeBulkInsert:
		desc.insertCols = q.BulkInsert.Cols
		desc.insertVals = q.BulkInsert.Values
		for _, e := range q.BulkInsert.Values {
			if err := collect(e); err != nil {
				return connector.NativeQuery{}, err
			}
		}

	default:
		return connector.NativeQuery{}, errors.Newf(errors.ErrCodePlanUnsupported,
			"avro files do not support %s", q.Type).Err()
	}

	return connector.NativeQuery{Params: params, Descriptor: desc}, nil
}

// avroSearcher discovers one entity per configured file path.
type avroSearcher struct {
	paths  []string
	logger *log.Logger
}

// NewSearcher creates a searcher over the given file paths.
func NewSearcher(paths []string, logger *log.Logger) connector.EntitySearcher {
	return &avroSearcher{paths: paths, logger: logger}
}

func (s *avroSearcher) Discover(ctx context.Context, _ connector.Connection, opts connector.DiscoveryOptions) ([]connector.EntityConfig, error) {
	var entities []connector.EntityConfig

	for _, path := range s.paths {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if !opts.MatchesRemoteSchema(name) {
			continue
		}

		hdr, err := readFileHeader(path)
		if err != nil {
			s.logger.Query().Warn("skipping unreadable avro file",
				"path", path, "error", err.Error())
			continue
		}

		schema, err := avro.Parse(hdr.Schema)
		if err != nil {
			s.logger.Query().Warn("skipping avro file with invalid schema",
				"path", path, "error", err.Error())
			continue
		}

		attrs, err := attributesFromSchema(schema)
		if err != nil {
			s.logger.Query().Warn("skipping avro file with unmappable schema",
				"path", path, "error", err.Error())
			continue
		}

		entities = append(entities, connector.EntityConfig{
			ID:           name,
			Attributes:   attrs,
			SourceConfig: map[string]string{"path": path},
		})
	}

	return entities, nil
}

var (
	_ connector.Connection     = (*avroConnection)(nil)
	_ connector.QueryPlanner   = (*avroPlanner)(nil)
	_ connector.QueryCompiler  = (*avroCompiler)(nil)
	_ connector.EntitySearcher = (*avroSearcher)(nil)
)
