package sqlil

import (
	"fmt"

	"github.com/tessera-db/tessera/pkg/errors"
)

// OpKind enumerates the accretive query operations.
type OpKind uint8

const (
	OpAddColumn OpKind = iota
	OpAddWhere
	OpAddJoin
	OpAddGroupBy
	OpAddOrderBy
	OpSetRowLimit
	OpSetRowOffset
	OpAddSet
	OpSetBulkRows
	OpSetRowLock
)

func (k OpKind) String() string {
	switch k {
	case OpAddColumn:
		return "AddColumn"
	case OpAddWhere:
		return "AddWhere"
	case OpAddJoin:
		return "AddJoin"
	case OpAddGroupBy:
		return "AddGroupBy"
	case OpAddOrderBy:
		return "AddOrderBy"
	case OpSetRowLimit:
		return "SetRowLimit"
	case OpSetRowOffset:
		return "SetRowOffset"
	case OpAddSet:
		return "AddSet"
	case OpSetBulkRows:
		return "SetBulkRows"
	case OpSetRowLock:
		return "SetRowLock"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// QueryOperation is one accretive operation applied to an operator tree.
// The payload fields used depend on the kind.
type QueryOperation struct {
	Kind OpKind

	Alias    string   // AddColumn, AddSet
	Expr     Expr     // AddColumn, AddWhere, AddGroupBy, AddSet
	Join     *Join    // AddJoin
	Ordering *Ordering // AddOrderBy
	Value    uint64   // SetRowLimit, SetRowOffset

	// SetBulkRows
	Cols  []string
	Exprs []Expr
}

// Constructors

func AddColumn(alias string, e Expr) QueryOperation {
	return QueryOperation{Kind: OpAddColumn, Alias: alias, Expr: e}
}

func AddWhere(e Expr) QueryOperation {
	return QueryOperation{Kind: OpAddWhere, Expr: e}
}

func AddJoin(j Join) QueryOperation {
	return QueryOperation{Kind: OpAddJoin, Join: &j}
}

func AddGroupBy(e Expr) QueryOperation {
	return QueryOperation{Kind: OpAddGroupBy, Expr: e}
}

func AddOrderBy(o Ordering) QueryOperation {
	return QueryOperation{Kind: OpAddOrderBy, Ordering: &o}
}

func SetRowLimit(n uint64) QueryOperation {
	return QueryOperation{Kind: OpSetRowLimit, Value: n}
}

func SetRowOffset(n uint64) QueryOperation {
	return QueryOperation{Kind: OpSetRowOffset, Value: n}
}

func AddSet(col string, e Expr) QueryOperation {
	return QueryOperation{Kind: OpAddSet, Alias: col, Expr: e}
}

func SetBulkRows(cols []string, exprs []Expr) QueryOperation {
	return QueryOperation{Kind: OpSetBulkRows, Cols: cols, Exprs: exprs}
}

func SetRowLock() QueryOperation {
	return QueryOperation{Kind: OpSetRowLock}
}

// ValidFor reports whether the operation kind is applicable to the query
// type.
func (op QueryOperation) ValidFor(t QueryType) bool {
	switch t {
	case QueryTypeSelect:
		switch op.Kind {
		case OpAddColumn, OpAddWhere, OpAddJoin, OpAddGroupBy, OpAddOrderBy,
			OpSetRowLimit, OpSetRowOffset, OpSetRowLock:
			return true
		}
	case QueryTypeInsert:
		return op.Kind == OpAddColumn
	case QueryTypeBulkInsert:
		return op.Kind == OpSetBulkRows
	case QueryTypeUpdate:
		switch op.Kind {
		case OpAddSet, OpAddWhere:
			return true
		}
	case QueryTypeDelete:
		return op.Kind == OpAddWhere
	}
	return false
}

// Apply extends the query with the operation, mutating the (already cloned)
// tree. Callers own cloning; planners probe on clones and commit by
// swapping.
func (q *Query) Apply(op QueryOperation) error {
	if !op.ValidFor(q.Type) {
		return errors.Newf(errors.ErrCodePlanInvalidOp,
			"operation %s is not valid for %s query", op.Kind, q.Type).Err()
	}

	switch q.Type {
	case QueryTypeSelect:
		s := q.Select
		switch op.Kind {
		case OpAddColumn:
			s.Cols = append(s.Cols, Aliased{Alias: op.Alias, Expr: op.Expr})
		case OpAddWhere:
			s.Where = append(s.Where, op.Expr)
		case OpAddJoin:
			s.Joins = append(s.Joins, *op.Join)
		case OpAddGroupBy:
			s.GroupBys = append(s.GroupBys, op.Expr)
		case OpAddOrderBy:
			s.OrderBys = append(s.OrderBys, *op.Ordering)
		case OpSetRowLimit:
			s.RowLimit = op.Value
		case OpSetRowOffset:
			s.RowOffset = op.Value
		case OpSetRowLock:
			s.RowLock = true
		}

	case QueryTypeInsert:
		q.Insert.Cols = append(q.Insert.Cols, Aliased{Alias: op.Alias, Expr: op.Expr})

	case QueryTypeBulkInsert:
		q.BulkInsert.Cols = op.Cols
		q.BulkInsert.Values = op.Exprs

	case QueryTypeUpdate:
		u := q.Update
		switch op.Kind {
		case OpAddSet:
			u.Sets = append(u.Sets, Aliased{Alias: op.Alias, Expr: op.Expr})
		case OpAddWhere:
			u.Where = append(u.Where, op.Expr)
		}

	case QueryTypeDelete:
		q.Delete.Where = append(q.Delete.Where, op.Expr)
	}

	return nil
}

// Clone deep-copies the query wrapper and its operator tree.
func (q Query) Clone() Query {
	c := Query{Type: q.Type}
	switch q.Type {
	case QueryTypeSelect:
		c.Select = q.Select.Clone()
	case QueryTypeInsert:
		c.Insert = q.Insert.Clone()
	case QueryTypeBulkInsert:
		c.BulkInsert = q.BulkInsert.Clone()
	case QueryTypeUpdate:
		c.Update = q.Update.Clone()
	case QueryTypeDelete:
		c.Delete = q.Delete.Clone()
	}
	return c
}
