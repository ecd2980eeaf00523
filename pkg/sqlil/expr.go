// Package sqlil defines the intermediate relational language exchanged
// between the FDW layer and connectors: expressions, operator trees for
// Select/Insert/BulkInsert/Update/Delete, and the accretive query
// operations applied to them during pushdown negotiation.
//
// Plan values are value-typed and cloned on push so the planner can probe a
// connector without committing to the mutation.
package sqlil

import (
	"github.com/tessera-db/tessera/pkg/data"
)

// Expr is a node of an expression tree.
type Expr interface {
	isExpr()

	// Walk visits the node and all children depth-first.
	Walk(fn func(Expr))
}

// Attribute references a column of an aliased entity.
type Attribute struct {
	EntityAlias string
	AttributeID string
}

// Constant is a literal value captured in the plan.
type Constant struct {
	Value data.DataValue
}

// Parameter is a dynamic value slot with a stable id assigned at planning
// time. The id survives unchanged into execution.
type Parameter struct {
	Type data.DataType
	ID   uint32
}

// UnaryOpType enumerates the unary operators.
type UnaryOpType uint8

const (
	UnaryOpNot UnaryOpType = iota
	UnaryOpNegate
	UnaryOpIsNull
	UnaryOpIsNotNull
)

func (o UnaryOpType) String() string {
	switch o {
	case UnaryOpNot:
		return "NOT"
	case UnaryOpNegate:
		return "-"
	case UnaryOpIsNull:
		return "IS NULL"
	case UnaryOpIsNotNull:
		return "IS NOT NULL"
	default:
		return "?"
	}
}

// UnaryOp applies a unary operator to an expression.
type UnaryOp struct {
	Op   UnaryOpType
	Expr Expr
}

// BinaryOpType enumerates the binary operators.
type BinaryOpType uint8

const (
	BinaryOpEqual BinaryOpType = iota
	BinaryOpNotEqual
	BinaryOpGreaterThan
	BinaryOpGreaterThanOrEqual
	BinaryOpLessThan
	BinaryOpLessThanOrEqual
	BinaryOpAdd
	BinaryOpSubtract
	BinaryOpMultiply
	BinaryOpDivide
	BinaryOpModulo
	BinaryOpConcat
	BinaryOpLogicalAnd
	BinaryOpLogicalOr
	BinaryOpLike
)

func (o BinaryOpType) String() string {
	switch o {
	case BinaryOpEqual:
		return "="
	case BinaryOpNotEqual:
		return "<>"
	case BinaryOpGreaterThan:
		return ">"
	case BinaryOpGreaterThanOrEqual:
		return ">="
	case BinaryOpLessThan:
		return "<"
	case BinaryOpLessThanOrEqual:
		return "<="
	case BinaryOpAdd:
		return "+"
	case BinaryOpSubtract:
		return "-"
	case BinaryOpMultiply:
		return "*"
	case BinaryOpDivide:
		return "/"
	case BinaryOpModulo:
		return "%"
	case BinaryOpConcat:
		return "||"
	case BinaryOpLogicalAnd:
		return "AND"
	case BinaryOpLogicalOr:
		return "OR"
	case BinaryOpLike:
		return "LIKE"
	default:
		return "?"
	}
}

// BinaryOp applies a binary operator to two expressions.
type BinaryOp struct {
	Left  Expr
	Op    BinaryOpType
	Right Expr
}

func (Attribute) isExpr() {}
func (Constant) isExpr()  {}
func (Parameter) isExpr() {}
func (UnaryOp) isExpr()   {}
func (BinaryOp) isExpr()  {}

func (e Attribute) Walk(fn func(Expr)) { fn(e) }
func (e Constant) Walk(fn func(Expr))  { fn(e) }
func (e Parameter) Walk(fn func(Expr)) { fn(e) }

func (e UnaryOp) Walk(fn func(Expr)) {
	fn(e)
	e.Expr.Walk(fn)
}

func (e BinaryOp) Walk(fn func(Expr)) {
	fn(e)
	e.Left.Walk(fn)
	e.Right.Walk(fn)
}

// Parameters collects every Parameter node of the expression in visit order.
func Parameters(e Expr) []Parameter {
	var out []Parameter
	e.Walk(func(n Expr) {
		if p, ok := n.(Parameter); ok {
			out = append(out, p)
		}
	})
	return out
}
