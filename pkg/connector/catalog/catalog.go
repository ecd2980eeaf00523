// Package catalog implements the internal connector: read-only relations
// over in-memory gateway configuration (jobs, job triggers, service users)
// exposed as pushdown-less tables. Beyond column projection every operation
// is answered PerformedLocally, leaving evaluation to the engine.
package catalog

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// Relation is one in-memory relation: its entity shape and materialised
// rows.
type Relation struct {
	Entity connector.EntityConfig
	Rows   [][]data.DataValue
}

var (
	stateMu   sync.RWMutex
	relations map[string]Relation
)

// Configure installs the catalog relations served by the internal
// connector. Called by the gateway once configuration is loaded; replaces
// any previous set.
func Configure(rels []Relation) {
	byID := make(map[string]Relation, len(rels))
	for _, r := range rels {
		byID[r.Entity.ID] = r
	}

	stateMu.Lock()
	relations = byID
	stateMu.Unlock()
}

func relation(id string) (Relation, bool) {
	stateMu.RLock()
	defer stateMu.RUnlock()
	r, ok := relations[id]
	return r, ok
}

// Entities returns the configured relation entities in arbitrary order.
func Entities() []connector.EntityConfig {
	stateMu.RLock()
	defer stateMu.RUnlock()

	out := make([]connector.EntityConfig, 0, len(relations))
	for _, r := range relations {
		out = append(out, r.Entity)
	}
	return out
}

type internalConnector struct{}

func init() {
	connector.Register(internalConnector{})
}

func (internalConnector) Type() string {
	return "internal"
}

func (internalConnector) OpenPool(opts map[string]string, entities *connector.EntityRegistry, logger *log.Logger) (connector.ConnectionPool, error) {
	pool := connector.NewPool(connector.DefaultPoolConfig(),
		func(ctx context.Context, role string) (connector.Connection, error) {
			return &internalConnection{}, nil
		}, logger)
	return pool, nil
}

// internalConnection serves catalog queries; it holds no source state.
type internalConnection struct{}

func (c *internalConnection) Planner() connector.QueryPlanner {
	return &internalPlanner{}
}

func (c *internalConnection) Compiler() connector.QueryCompiler {
	return &internalCompiler{}
}

func (c *internalConnection) Prepare(ctx context.Context, q connector.NativeQuery) (connector.QueryHandle, error) {
	desc, ok := q.Descriptor.(catalogQuery)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal,
			"internal connector received a foreign native query").Err()
	}
	return &internalHandle{desc: desc}, nil
}

// Transactions returns nil: the catalog is immutable per process and has no
// transaction semantics.
func (c *internalConnection) Transactions() connector.TransactionManager {
	return nil
}

func (c *internalConnection) Close() error {
	return nil
}

// internalPlanner answers pushdown questions for catalog relations.
type internalPlanner struct{}

func (p *internalPlanner) EstimateSize(ctx context.Context, entity *connector.EntityConfig) (connector.OperationCost, error) {
	r, ok := relation(entity.ID)
	if !ok {
		return connector.OperationCost{}, unknownRelation(entity.ID)
	}
	return connector.RowsCost(uint64(len(r.Rows))), nil
}

func (p *internalPlanner) CreateBaseQuery(ctx context.Context, entity *connector.EntityConfig, alias string, qt sqlil.QueryType) (connector.OperationCost, sqlil.Query, error) {
	if qt != sqlil.QueryTypeSelect {
		return connector.OperationCost{}, sqlil.Query{}, errors.Newf(errors.ErrCodePlanUnsupported,
			"internal catalog relations are read-only: cannot %s", qt).Err()
	}

	cost, err := p.EstimateSize(ctx, entity)
	if err != nil {
		return connector.OperationCost{}, sqlil.Query{}, err
	}

	q := sqlil.SelectQuery(sqlil.NewSelect(sqlil.EntitySource{EntityID: entity.ID, Alias: alias}))
	return cost, q, nil
}

// ApplyOperation accepts plain column projection only; every other
// operation is evaluated by the engine.
func (p *internalPlanner) ApplyOperation(ctx context.Context, q *sqlil.Query, op sqlil.QueryOperation) (connector.QueryOperationResult, error) {
	if q.Type != sqlil.QueryTypeSelect {
		return connector.QueryOperationResult{}, errors.New(errors.ErrCodePlanUnsupported,
			"internal catalog relations are read-only").Err()
	}

	if op.Kind != sqlil.OpAddColumn {
		return connector.PerformedLocally(), nil
	}
	if _, ok := op.Expr.(sqlil.Attribute); !ok {
		return connector.PerformedLocally(), nil
	}

	probe := q.Clone()
	if err := probe.Apply(op); err != nil {
		return connector.QueryOperationResult{}, err
	}
	*q = probe

	r, ok := relation(q.Source().EntityID)
	if !ok {
		return connector.QueryOperationResult{}, unknownRelation(q.Source().EntityID)
	}
	return connector.PerformedRemotely(connector.RowsCost(uint64(len(r.Rows)))), nil
}

func (p *internalPlanner) RowIDExprs(ctx context.Context, entity *connector.EntityConfig, alias string) ([]sqlil.Expr, []data.DataType, error) {
	return nil, nil, errors.New(errors.ErrCodePlanNoRowID,
		"internal catalog relations are read-only").Err()
}

func (p *internalPlanner) MaxBulkInsertRows(ctx context.Context, entity *connector.EntityConfig) (uint32, error) {
	return 0, errors.New(errors.ErrCodePlanUnsupported,
		"internal catalog relations are read-only").Err()
}

func (p *internalPlanner) Explain(ctx context.Context, q sqlil.Query, verbose bool) (json.RawMessage, error) {
	out := map[string]interface{}{
		"type":   q.Type.String(),
		"entity": q.Source().EntityID,
		"source": "internal",
	}
	if verbose && q.Type == sqlil.QueryTypeSelect {
		cols := make([]string, 0, len(q.Select.Cols))
		for _, c := range q.Select.Cols {
			cols = append(cols, c.Alias)
		}
		out["columns"] = cols
	}
	return json.Marshal(out)
}

// catalogQuery is the compiled descriptor: the projected attribute per
// output column.
type catalogQuery struct {
	entityID string
	cols     []sqlil.Aliased
}

type internalCompiler struct{}

func (c *internalCompiler) CompileQuery(ctx context.Context, q sqlil.Query) (connector.NativeQuery, error) {
	if q.Type != sqlil.QueryTypeSelect {
		return connector.NativeQuery{}, errors.New(errors.ErrCodePlanUnsupported,
			"internal catalog relations are read-only").Err()
	}

	return connector.NativeQuery{
		Descriptor: catalogQuery{
			entityID: q.Select.From.EntityID,
			cols:     q.Select.Cols,
		},
	}, nil
}

// internalHandle executes a projection over the materialised rows.
type internalHandle struct {
	desc catalogQuery
}

func (h *internalHandle) InputStructure() data.QueryInputStructure {
	return data.QueryInputStructure{}
}

func (h *internalHandle) Write(p []byte) (int, error) {
	if len(p) > 0 {
		return 0, errors.ExcessInput().Err()
	}
	return 0, nil
}

func (h *internalHandle) Restart() error {
	return nil
}

func (h *internalHandle) ExecuteQuery(ctx context.Context) (connector.ResultSet, error) {
	r, ok := relation(h.desc.entityID)
	if !ok {
		return nil, unknownRelation(h.desc.entityID)
	}

	// Resolve each projected attribute to its ordinal in the relation.
	var structure connector.RowStructure
	ordinals := make([]int, 0, len(h.desc.cols))

	for _, col := range h.desc.cols {
		attr, ok := col.Expr.(sqlil.Attribute)
		if !ok {
			return nil, errors.New(errors.ErrCodeInternal,
				"internal catalog compiled a non-attribute projection").Err()
		}

		found := -1
		for i, a := range r.Entity.Attributes {
			if a.Name == attr.AttributeID {
				found = i
				structure.Cols = append(structure.Cols, connector.RowColumn{
					Name: col.Alias,
					Type: a.Type,
				})
				break
			}
		}
		if found < 0 {
			return nil, errors.Newf(errors.ErrCodePlanEntity,
				"unknown attribute %q on relation %q", attr.AttributeID, r.Entity.ID).Err()
		}
		ordinals = append(ordinals, found)
	}

	rows := make([][]data.DataValue, 0, len(r.Rows))
	for _, src := range r.Rows {
		row := make([]data.DataValue, len(ordinals))
		for i, ord := range ordinals {
			row[i] = src[ord]
		}
		rows = append(rows, row)
	}

	return connector.NewRowsResultSet(structure, rows), nil
}

func (h *internalHandle) ExecuteModify(ctx context.Context) (*uint64, error) {
	return nil, errors.New(errors.ErrCodePlanUnsupported,
		"internal catalog relations are read-only").Err()
}

func (h *internalHandle) Logged() (string, []data.DataValue, error) {
	return "internal:" + h.desc.entityID, nil, nil
}

func (h *internalHandle) Close() error {
	return nil
}

func unknownRelation(id string) error {
	return errors.Newf(errors.ErrCodePlanEntity, "unknown catalog relation %q", id).Err()
}

var (
	_ connector.Connection   = (*internalConnection)(nil)
	_ connector.QueryPlanner = (*internalPlanner)(nil)
	_ connector.QueryHandle  = (*internalHandle)(nil)
)
