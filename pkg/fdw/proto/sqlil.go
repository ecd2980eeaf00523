package proto

import (
	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// Expression node tags
const (
	exprTagAttribute uint8 = iota + 1
	exprTagConstant
	exprTagParameter
	exprTagUnaryOp
	exprTagBinaryOp
)

func (w *writer) expr(e sqlil.Expr) error {
	switch n := e.(type) {
	case sqlil.Attribute:
		w.u8(exprTagAttribute)
		w.str(n.EntityAlias)
		w.str(n.AttributeID)
		return nil
	case sqlil.Constant:
		w.u8(exprTagConstant)
		return w.dataValue(n.Value)
	case sqlil.Parameter:
		w.u8(exprTagParameter)
		w.dataType(n.Type)
		w.u32(n.ID)
		return nil
	case sqlil.UnaryOp:
		w.u8(exprTagUnaryOp)
		w.u8(uint8(n.Op))
		return w.expr(n.Expr)
	case sqlil.BinaryOp:
		w.u8(exprTagBinaryOp)
		w.u8(uint8(n.Op))
		if err := w.expr(n.Left); err != nil {
			return err
		}
		return w.expr(n.Right)
	default:
		return errors.Newf(errors.ErrCodeInternal,
			"cannot encode expression node %T", e).Err()
	}
}

func (r *reader) expr() (sqlil.Expr, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case exprTagAttribute:
		alias, err := r.str()
		if err != nil {
			return nil, err
		}
		attr, err := r.str()
		if err != nil {
			return nil, err
		}
		return sqlil.Attribute{EntityAlias: alias, AttributeID: attr}, nil

	case exprTagConstant:
		v, err := r.dataValue()
		if err != nil {
			return nil, err
		}
		return sqlil.Constant{Value: v}, nil

	case exprTagParameter:
		t, err := r.dataType()
		if err != nil {
			return nil, err
		}
		id, err := r.u32()
		if err != nil {
			return nil, err
		}
		return sqlil.Parameter{Type: t, ID: id}, nil

	case exprTagUnaryOp:
		op, err := r.u8()
		if err != nil {
			return nil, err
		}
		inner, err := r.expr()
		if err != nil {
			return nil, err
		}
		return sqlil.UnaryOp{Op: sqlil.UnaryOpType(op), Expr: inner}, nil

	case exprTagBinaryOp:
		op, err := r.u8()
		if err != nil {
			return nil, err
		}
		left, err := r.expr()
		if err != nil {
			return nil, err
		}
		right, err := r.expr()
		if err != nil {
			return nil, err
		}
		return sqlil.BinaryOp{Left: left, Op: sqlil.BinaryOpType(op), Right: right}, nil
	}

	return nil, errors.Newf(errors.ErrCodeProtocolError,
		"unknown expression tag %d", tag).Err()
}

func (w *writer) exprs(exprs []sqlil.Expr) error {
	w.u32(uint32(len(exprs)))
	for _, e := range exprs {
		if err := w.expr(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) exprs() ([]sqlil.Expr, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	var out []sqlil.Expr
	for i := uint32(0); i < n; i++ {
		e, err := r.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (w *writer) join(j sqlil.Join) error {
	w.u8(uint8(j.Type))
	w.str(j.Target.EntityID)
	w.str(j.Target.Alias)
	return w.exprs(j.Conds)
}

func (r *reader) join() (sqlil.Join, error) {
	jt, err := r.u8()
	if err != nil {
		return sqlil.Join{}, err
	}
	entityID, err := r.str()
	if err != nil {
		return sqlil.Join{}, err
	}
	alias, err := r.str()
	if err != nil {
		return sqlil.Join{}, err
	}
	conds, err := r.exprs()
	if err != nil {
		return sqlil.Join{}, err
	}
	return sqlil.Join{
		Type:   sqlil.JoinType(jt),
		Target: sqlil.EntitySource{EntityID: entityID, Alias: alias},
		Conds:  conds,
	}, nil
}

func (w *writer) ordering(o sqlil.Ordering) error {
	w.u8(uint8(o.Type))
	return w.expr(o.Expr)
}

func (r *reader) ordering() (sqlil.Ordering, error) {
	ot, err := r.u8()
	if err != nil {
		return sqlil.Ordering{}, err
	}
	e, err := r.expr()
	if err != nil {
		return sqlil.Ordering{}, err
	}
	return sqlil.Ordering{Type: sqlil.OrderingType(ot), Expr: e}, nil
}

func (w *writer) queryOperation(op sqlil.QueryOperation) error {
	w.u8(uint8(op.Kind))

	switch op.Kind {
	case sqlil.OpAddColumn, sqlil.OpAddSet:
		w.str(op.Alias)
		return w.expr(op.Expr)
	case sqlil.OpAddWhere, sqlil.OpAddGroupBy:
		return w.expr(op.Expr)
	case sqlil.OpAddJoin:
		return w.join(*op.Join)
	case sqlil.OpAddOrderBy:
		return w.ordering(*op.Ordering)
	case sqlil.OpSetRowLimit, sqlil.OpSetRowOffset:
		w.u64(op.Value)
		return nil
	case sqlil.OpSetRowLock:
		return nil
	case sqlil.OpSetBulkRows:
		w.u32(uint32(len(op.Cols)))
		for _, c := range op.Cols {
			w.str(c)
		}
		return w.exprs(op.Exprs)
	}

	return errors.Newf(errors.ErrCodeInternal,
		"cannot encode query operation %s", op.Kind).Err()
}

func (r *reader) queryOperation() (sqlil.QueryOperation, error) {
	kind, err := r.u8()
	if err != nil {
		return sqlil.QueryOperation{}, err
	}

	op := sqlil.QueryOperation{Kind: sqlil.OpKind(kind)}

	switch op.Kind {
	case sqlil.OpAddColumn, sqlil.OpAddSet:
		if op.Alias, err = r.str(); err != nil {
			return op, err
		}
		op.Expr, err = r.expr()
		return op, err
	case sqlil.OpAddWhere, sqlil.OpAddGroupBy:
		op.Expr, err = r.expr()
		return op, err
	case sqlil.OpAddJoin:
		j, err := r.join()
		if err != nil {
			return op, err
		}
		op.Join = &j
		return op, nil
	case sqlil.OpAddOrderBy:
		o, err := r.ordering()
		if err != nil {
			return op, err
		}
		op.Ordering = &o
		return op, nil
	case sqlil.OpSetRowLimit, sqlil.OpSetRowOffset:
		op.Value, err = r.u64()
		return op, err
	case sqlil.OpSetRowLock:
		return op, nil
	case sqlil.OpSetBulkRows:
		n, err := r.u32()
		if err != nil {
			return op, err
		}
		for i := uint32(0); i < n; i++ {
			c, err := r.str()
			if err != nil {
				return op, err
			}
			op.Cols = append(op.Cols, c)
		}
		op.Exprs, err = r.exprs()
		return op, err
	}

	return op, errors.Newf(errors.ErrCodeProtocolError,
		"unknown query operation kind %d", kind).Err()
}

// Cost and structure codecs

func (w *writer) optU64(v *uint64) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u64(*v)
}

func (r *reader) optU64() (*uint64, error) {
	present, err := r.u8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	v, err := r.u64()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (w *writer) optU32(v *uint32) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u32(*v)
}

func (r *reader) optU32() (*uint32, error) {
	present, err := r.u8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	v, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (w *writer) optF64(v *float64) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.f64(*v)
}

func (r *reader) optF64() (*float64, error) {
	present, err := r.u8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	v, err := r.f64()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (w *writer) operationCost(c connector.OperationCost) {
	w.optU64(c.Rows)
	w.optU32(c.RowWidth)
	w.optF64(c.StartupCost)
	w.optF64(c.TotalCost)
}

func (r *reader) operationCost() (connector.OperationCost, error) {
	var c connector.OperationCost
	var err error
	if c.Rows, err = r.optU64(); err != nil {
		return c, err
	}
	if c.RowWidth, err = r.optU32(); err != nil {
		return c, err
	}
	if c.StartupCost, err = r.optF64(); err != nil {
		return c, err
	}
	if c.TotalCost, err = r.optF64(); err != nil {
		return c, err
	}
	return c, nil
}

func (w *writer) operationResult(res connector.QueryOperationResult) {
	w.u8(uint8(res.Outcome))
	if res.Outcome == connector.OutcomeRemote {
		w.operationCost(res.Cost)
	}
}

func (r *reader) operationResult() (connector.QueryOperationResult, error) {
	outcome, err := r.u8()
	if err != nil {
		return connector.QueryOperationResult{}, err
	}

	res := connector.QueryOperationResult{Outcome: connector.OperationOutcome(outcome)}
	if res.Outcome == connector.OutcomeRemote {
		if res.Cost, err = r.operationCost(); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (w *writer) inputStructure(s data.QueryInputStructure) {
	w.u32(uint32(len(s.Params)))
	for _, p := range s.Params {
		w.u32(p.ID)
		w.dataType(p.Type)
	}
}

func (r *reader) inputStructure() (data.QueryInputStructure, error) {
	n, err := r.u32()
	if err != nil {
		return data.QueryInputStructure{}, err
	}

	var s data.QueryInputStructure
	for i := uint32(0); i < n; i++ {
		id, err := r.u32()
		if err != nil {
			return s, err
		}
		t, err := r.dataType()
		if err != nil {
			return s, err
		}
		s.Params = append(s.Params, data.QueryInputParam{ID: id, Type: t})
	}
	return s, nil
}

func (w *writer) rowStructure(s connector.RowStructure) {
	w.u32(uint32(len(s.Cols)))
	for _, c := range s.Cols {
		w.str(c.Name)
		w.dataType(c.Type)
	}
}

func (r *reader) rowStructure() (connector.RowStructure, error) {
	n, err := r.u32()
	if err != nil {
		return connector.RowStructure{}, err
	}

	var s connector.RowStructure
	for i := uint32(0); i < n; i++ {
		name, err := r.str()
		if err != nil {
			return s, err
		}
		t, err := r.dataType()
		if err != nil {
			return s, err
		}
		s.Cols = append(s.Cols, connector.RowColumn{Name: name, Type: t})
	}
	return s, nil
}
