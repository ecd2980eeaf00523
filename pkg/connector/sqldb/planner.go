package sqldb

import (
	"context"
	"encoding/json"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// defaultRowEstimate is assumed when the source offers no statistics.
const defaultRowEstimate = 1000

// planner answers pushdown questions for one remote-SQL connection.
type planner struct {
	conn *Connection
}

// EstimateSize counts the entity's rows, falling back to a default when the
// source refuses.
func (p *planner) EstimateSize(ctx context.Context, entity *connector.EntityConfig) (connector.OperationCost, error) {
	cc := &compileContext{compiler: p.conn.compiler}
	table, err := cc.dmlTableRef(sqlil.EntitySource{EntityID: entity.ID})
	if err != nil {
		return connector.OperationCost{}, err
	}

	var count uint64
	row := p.conn.queryRowContext(ctx, "SELECT COUNT(*) FROM "+table)
	if err := row.Scan(&count); err != nil {
		p.conn.logger.Query().Debug("size estimate failed, using default",
			"entity", entity.ID, "error", err.Error())
		return connector.RowsCost(defaultRowEstimate), nil
	}

	width := uint32(len(entity.Attributes) * 16)
	return connector.OperationCost{Rows: &count, RowWidth: &width}, nil
}

// CreateBaseQuery initialises the base operator tree.
func (p *planner) CreateBaseQuery(ctx context.Context, entity *connector.EntityConfig, alias string, qt sqlil.QueryType) (connector.OperationCost, sqlil.Query, error) {
	source := sqlil.EntitySource{EntityID: entity.ID, Alias: alias}

	var q sqlil.Query
	switch qt {
	case sqlil.QueryTypeSelect:
		q = sqlil.SelectQuery(sqlil.NewSelect(source))
	case sqlil.QueryTypeInsert:
		q = sqlil.InsertQuery(sqlil.NewInsert(source))
	case sqlil.QueryTypeBulkInsert:
		q = sqlil.BulkInsertQuery(sqlil.NewBulkInsert(source))
	case sqlil.QueryTypeUpdate:
		q = sqlil.UpdateQuery(sqlil.NewUpdate(source))
	case sqlil.QueryTypeDelete:
		q = sqlil.DeleteQuery(sqlil.NewDelete(source))
	default:
		return connector.OperationCost{}, sqlil.Query{}, errors.Newf(errors.ErrCodeInternal,
			"unknown query type %d", qt).Err()
	}

	cost, err := p.EstimateSize(ctx, entity)
	if err != nil {
		return connector.OperationCost{}, sqlil.Query{}, err
	}
	cost.DefaultTo(connector.RowsCost(defaultRowEstimate))

	return cost, q, nil
}

// ApplyOperation probes one accretive operation. The operation is accepted
// only when every expression it carries compiles faithfully to the dialect;
// otherwise the engine keeps the operation local.
func (p *planner) ApplyOperation(ctx context.Context, q *sqlil.Query, op sqlil.QueryOperation) (connector.QueryOperationResult, error) {
	if !op.ValidFor(q.Type) {
		return connector.QueryOperationResult{}, errors.Newf(errors.ErrCodePlanInvalidOp,
			"operation %s is not valid for %s query", op.Kind, q.Type).Err()
	}

	if op.Kind == sqlil.OpSetRowLock && !p.conn.dialect.SupportsRowLocking() {
		return connector.OperationUnsupported(), nil
	}

	if !p.compilable(op) {
		return connector.PerformedLocally(), nil
	}

	// Clone-on-push: probe on a copy, commit by swapping.
	probe := q.Clone()
	if err := probe.Apply(op); err != nil {
		return connector.QueryOperationResult{}, err
	}

	// Validate the extended tree still compiles.
	if _, err := p.conn.compiler.CompileQuery(ctx, probe); err != nil {
		p.conn.logger.Query().Debug("operation rejected by compiler",
			"op", op.Kind.String(), "error", err.Error())
		return connector.PerformedLocally(), nil
	}

	*q = probe

	return connector.PerformedRemotely(p.costOf(*q)), nil
}

// compilable checks every expression node in the operation is one the SQL
// compiler renders with postgres-equivalent semantics.
func (p *planner) compilable(op sqlil.QueryOperation) bool {
	ok := true
	check := func(e sqlil.Expr) {
		if e == nil {
			return
		}
		e.Walk(func(n sqlil.Expr) {
			switch n.(type) {
			case sqlil.Attribute, sqlil.Constant, sqlil.Parameter, sqlil.UnaryOp, sqlil.BinaryOp:
			default:
				ok = false
			}
		})
	}

	check(op.Expr)
	if op.Join != nil {
		for _, c := range op.Join.Conds {
			check(c)
		}
	}
	if op.Ordering != nil {
		check(op.Ordering.Expr)
	}
	for _, e := range op.Exprs {
		check(e)
	}

	return ok
}

// costOf derives the running cost estimate from the accreted query. Row
// limits clamp the estimate so a limit never inflates it.
func (p *planner) costOf(q sqlil.Query) connector.OperationCost {
	rows := uint64(defaultRowEstimate)

	if q.Type == sqlil.QueryTypeSelect {
		s := q.Select
		// Each predicate halves the expected rows.
		for range s.Where {
			rows /= 2
		}
		if rows == 0 {
			rows = 1
		}
		if s.RowLimit > 0 && s.RowLimit < rows {
			rows = s.RowLimit
		}
	}

	return connector.RowsCost(rows)
}

// RowIDExprs returns the primary-key attribute expressions used to address
// rows during update/delete.
func (p *planner) RowIDExprs(ctx context.Context, entity *connector.EntityConfig, alias string) ([]sqlil.Expr, []data.DataType, error) {
	keys := entity.PrimaryKeys()
	if len(keys) == 0 {
		return nil, nil, errors.Newf(errors.ErrCodePlanNoRowID,
			"cannot perform operation on table without primary keys: %s", entity.ID).Err()
	}

	exprs := make([]sqlil.Expr, 0, len(keys))
	types := make([]data.DataType, 0, len(keys))
	for _, k := range keys {
		exprs = append(exprs, sqlil.Attribute{EntityAlias: alias, AttributeID: k.Name})
		types = append(types, k.Type)
	}
	return exprs, types, nil
}

// MaxBulkInsertRows returns the dialect's multi-row VALUES cap.
func (p *planner) MaxBulkInsertRows(ctx context.Context, entity *connector.EntityConfig) (uint32, error) {
	return p.conn.dialect.MaxBulkInsertRows(), nil
}

// Explain renders the query state; verbose includes the compiled SQL and
// parameters.
func (p *planner) Explain(ctx context.Context, q sqlil.Query, verbose bool) (json.RawMessage, error) {
	out := map[string]interface{}{
		"type":    q.Type.String(),
		"entity":  q.Source().EntityID,
		"dialect": p.conn.dialect.Name(),
	}

	if verbose {
		native, err := p.conn.compiler.CompileQuery(ctx, q)
		if err != nil {
			out["compile_error"] = err.Error()
		} else {
			out["sql"] = native.Query
			params := make([]string, 0, len(native.Params))
			for _, prm := range native.Params {
				if prm.IsDynamic() {
					params = append(params, prm.Type.String())
				} else {
					params = append(params, prm.Constant.String())
				}
			}
			out["params"] = params
		}
	}

	return json.Marshal(out)
}

var _ connector.QueryPlanner = (*planner)(nil)
