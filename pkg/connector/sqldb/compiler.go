package sqldb

import (
	"context"
	"fmt"
	"strings"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// compiledQuery is the descriptor attached to a NativeQuery: the result
// structure for selects.
type compiledQuery struct {
	structure connector.RowStructure
}

// compiler turns operator trees into parameterised SQL for one dialect.
type compiler struct {
	dialect  Dialect
	entities *connector.EntityRegistry
}

func newCompiler(dialect Dialect, entities *connector.EntityRegistry) *compiler {
	return &compiler{dialect: dialect, entities: entities}
}

// CompileQuery implements connector.QueryCompiler.
func (c *compiler) CompileQuery(ctx context.Context, q sqlil.Query) (connector.NativeQuery, error) {
	cc := &compileContext{compiler: c}

	var (
		sqlText string
		err     error
	)

	switch q.Type {
	case sqlil.QueryTypeSelect:
		sqlText, err = cc.compileSelect(q.Select)
	case sqlil.QueryTypeInsert:
		sqlText, err = cc.compileInsert(q.Insert)
	case sqlil.QueryTypeBulkInsert:
		sqlText, err = cc.compileBulkInsert(q.BulkInsert)
	case sqlil.QueryTypeUpdate:
		sqlText, err = cc.compileUpdate(q.Update)
	case sqlil.QueryTypeDelete:
		sqlText, err = cc.compileDelete(q.Delete)
	default:
		err = errors.Newf(errors.ErrCodeInternal, "unknown query type %d", q.Type).Err()
	}
	if err != nil {
		return connector.NativeQuery{}, err
	}

	native := connector.NativeQuery{
		Query:  sqlText,
		Params: cc.params,
	}

	if q.Type == sqlil.QueryTypeSelect {
		structure, err := c.selectStructure(q.Select)
		if err != nil {
			return connector.NativeQuery{}, err
		}
		native.Descriptor = compiledQuery{structure: structure}
	}

	return native, nil
}

// selectStructure derives the output column layout from the select's
// projection.
func (c *compiler) selectStructure(s *sqlil.Select) (connector.RowStructure, error) {
	var structure connector.RowStructure
	aliases := c.aliasTable(s)

	for _, col := range s.Cols {
		t, err := c.exprType(col.Expr, aliases)
		if err != nil {
			return structure, err
		}
		structure.Cols = append(structure.Cols, connector.RowColumn{Name: col.Alias, Type: t})
	}
	return structure, nil
}

// aliasTable maps query aliases to their entities.
func (c *compiler) aliasTable(s *sqlil.Select) map[string]*connector.EntityConfig {
	aliases := make(map[string]*connector.EntityConfig)
	if e, ok := c.entities.Get(s.From.EntityID); ok {
		aliases[s.From.Alias] = e
	}
	for _, j := range s.Joins {
		if e, ok := c.entities.Get(j.Target.EntityID); ok {
			aliases[j.Target.Alias] = e
		}
	}
	return aliases
}

// exprType infers the wire type an expression produces.
func (c *compiler) exprType(e sqlil.Expr, aliases map[string]*connector.EntityConfig) (data.DataType, error) {
	switch n := e.(type) {
	case sqlil.Attribute:
		entity, ok := aliases[n.EntityAlias]
		if !ok {
			return data.DataType{}, errors.Newf(errors.ErrCodePlanEntity,
				"unknown entity alias %q", n.EntityAlias).Err()
		}
		attr, ok := entity.Attribute(n.AttributeID)
		if !ok {
			return data.DataType{}, errors.Newf(errors.ErrCodePlanEntity,
				"unknown attribute %q on entity %q", n.AttributeID, entity.ID).Err()
		}
		return attr.Type, nil
	case sqlil.Constant:
		return n.Value.Type(), nil
	case sqlil.Parameter:
		return n.Type, nil
	case sqlil.UnaryOp:
		if n.Op == sqlil.UnaryOpIsNull || n.Op == sqlil.UnaryOpIsNotNull || n.Op == sqlil.UnaryOpNot {
			return data.Boolean(), nil
		}
		return c.exprType(n.Expr, aliases)
	case sqlil.BinaryOp:
		switch n.Op {
		case sqlil.BinaryOpAdd, sqlil.BinaryOpSubtract, sqlil.BinaryOpMultiply,
			sqlil.BinaryOpDivide, sqlil.BinaryOpModulo, sqlil.BinaryOpConcat:
			return c.exprType(n.Left, aliases)
		default:
			return data.Boolean(), nil
		}
	}
	return data.Utf8String(), nil
}

// compileContext carries per-compilation state: the parameter list in
// placeholder order.
type compileContext struct {
	*compiler
	params []data.QueryParam
}

// nextPlaceholder registers a parameter and returns its placeholder text.
func (cc *compileContext) nextPlaceholder(p data.QueryParam) string {
	cc.params = append(cc.params, p)
	return cc.dialect.Placeholder(len(cc.params))
}

func (cc *compileContext) entity(source sqlil.EntitySource) (*connector.EntityConfig, error) {
	e, ok := cc.entities.Get(source.EntityID)
	if !ok {
		return nil, errors.Newf(errors.ErrCodePlanEntity,
			"unknown entity %q", source.EntityID).Err()
	}
	return e, nil
}

// tableRef renders the qualified, aliased table reference.
func (cc *compileContext) tableRef(source sqlil.EntitySource) (string, error) {
	e, err := cc.entity(source)
	if err != nil {
		return "", err
	}

	q := cc.dialect.QuoteIdent
	table := e.SourceConfig["table"]
	if table == "" {
		table = e.ID
	}

	ref := q(table)
	if schema := e.SourceConfig["schema"]; schema != "" {
		ref = q(schema) + "." + ref
	}
	return ref + " AS " + q(source.Alias), nil
}

// sourceColumn resolves an attribute to its source column name, honouring
// per-entity column renames ("col.<attr>" keys in the source config).
func (cc *compileContext) sourceColumn(attr sqlil.Attribute, entity *connector.EntityConfig) string {
	if renamed, ok := entity.SourceConfig["col."+attr.AttributeID]; ok {
		return renamed
	}
	return attr.AttributeID
}

// expr compiles one expression node.
func (cc *compileContext) expr(e sqlil.Expr, aliases map[string]*connector.EntityConfig) (string, error) {
	q := cc.dialect.QuoteIdent

	switch n := e.(type) {
	case sqlil.Attribute:
		entity, ok := aliases[n.EntityAlias]
		if !ok {
			return "", errors.Newf(errors.ErrCodePlanEntity,
				"unknown entity alias %q", n.EntityAlias).Err()
		}
		return q(n.EntityAlias) + "." + q(cc.sourceColumn(n, entity)), nil

	case sqlil.Constant:
		return cc.nextPlaceholder(data.ConstantParam(n.Value)), nil

	case sqlil.Parameter:
		return cc.nextPlaceholder(data.DynamicParam(n.ID, n.Type)), nil

	case sqlil.UnaryOp:
		inner, err := cc.expr(n.Expr, aliases)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case sqlil.UnaryOpNot:
			return "(NOT (" + inner + "))", nil
		case sqlil.UnaryOpNegate:
			return "(-(" + inner + "))", nil
		case sqlil.UnaryOpIsNull:
			return "((" + inner + ") IS NULL)", nil
		case sqlil.UnaryOpIsNotNull:
			return "((" + inner + ") IS NOT NULL)", nil
		}
		return "", errors.Newf(errors.ErrCodeInternal, "unknown unary op %d", n.Op).Err()

	case sqlil.BinaryOp:
		left, err := cc.expr(n.Left, aliases)
		if err != nil {
			return "", err
		}
		right, err := cc.expr(n.Right, aliases)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("((%s) %s (%s))", left, n.Op, right), nil
	}

	return "", errors.Newf(errors.ErrCodeInternal, "cannot compile expression %T", e).Err()
}

func (cc *compileContext) exprList(exprs []sqlil.Expr, aliases map[string]*connector.EntityConfig, sep string) (string, error) {
	parts := make([]string, 0, len(exprs))
	for _, e := range exprs {
		s, err := cc.expr(e, aliases)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, sep), nil
}

func (cc *compileContext) compileSelect(s *sqlil.Select) (string, error) {
	aliases := cc.aliasTable(s)
	q := cc.dialect.QuoteIdent

	var b strings.Builder
	b.WriteString("SELECT ")

	if len(s.Cols) == 0 {
		return "", errors.New(errors.ErrCodePlanInvalidOp,
			"select has no output columns").Err()
	}

	for i, col := range s.Cols {
		if i > 0 {
			b.WriteString(", ")
		}
		compiled, err := cc.expr(col.Expr, aliases)
		if err != nil {
			return "", err
		}
		b.WriteString(compiled)
		b.WriteString(" AS ")
		b.WriteString(q(col.Alias))
	}

	from, err := cc.tableRef(s.From)
	if err != nil {
		return "", err
	}
	b.WriteString(" FROM ")
	b.WriteString(from)

	for _, j := range s.Joins {
		target, err := cc.tableRef(j.Target)
		if err != nil {
			return "", err
		}
		b.WriteString(" ")
		b.WriteString(j.Type.String())
		b.WriteString(" ")
		b.WriteString(target)
		if len(j.Conds) > 0 {
			conds, err := cc.exprList(j.Conds, aliases, " AND ")
			if err != nil {
				return "", err
			}
			b.WriteString(" ON ")
			b.WriteString(conds)
		}
	}

	if len(s.Where) > 0 {
		where, err := cc.exprList(s.Where, aliases, " AND ")
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	if len(s.GroupBys) > 0 {
		groups, err := cc.exprList(s.GroupBys, aliases, ", ")
		if err != nil {
			return "", err
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(groups)
	}

	if len(s.OrderBys) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range s.OrderBys {
			if i > 0 {
				b.WriteString(", ")
			}
			compiled, err := cc.expr(o.Expr, aliases)
			if err != nil {
				return "", err
			}
			b.WriteString(compiled)
			b.WriteString(" ")
			b.WriteString(o.Type.String())
		}
	}

	if clause := cc.dialect.CompilePagination(s.RowLimit, s.RowOffset); clause != "" {
		// SQL Server only accepts OFFSET/FETCH after an ORDER BY.
		if _, ok := cc.dialect.(mssqlDialect); ok && len(s.OrderBys) == 0 {
			b.WriteString(" ORDER BY (SELECT NULL)")
		}
		b.WriteString(" ")
		b.WriteString(clause)
	}

	if s.RowLock {
		if !cc.dialect.SupportsRowLocking() {
			return "", errors.Unsupported("row locking").Err()
		}
		b.WriteString(" ")
		b.WriteString(cc.dialect.RowLockingClause())
	}

	return b.String(), nil
}

// dmlAliases returns the alias table for a single-entity DML statement.
func (cc *compileContext) dmlAliases(target sqlil.EntitySource) (map[string]*connector.EntityConfig, error) {
	e, err := cc.entity(target)
	if err != nil {
		return nil, err
	}
	return map[string]*connector.EntityConfig{target.Alias: e}, nil
}

// dmlTableRef renders an unaliased table reference for insert/update/delete
// statements; attribute references compile to bare column names.
func (cc *compileContext) dmlTableRef(target sqlil.EntitySource) (string, error) {
	e, err := cc.entity(target)
	if err != nil {
		return "", err
	}

	q := cc.dialect.QuoteIdent
	table := e.SourceConfig["table"]
	if table == "" {
		table = e.ID
	}

	ref := q(table)
	if schema := e.SourceConfig["schema"]; schema != "" {
		ref = q(schema) + "." + ref
	}
	return ref, nil
}

// dmlColumn resolves a set/insert target column name.
func (cc *compileContext) dmlColumn(target sqlil.EntitySource, col string) (string, error) {
	e, err := cc.entity(target)
	if err != nil {
		return "", err
	}
	if renamed, ok := e.SourceConfig["col."+col]; ok {
		return renamed, nil
	}
	return col, nil
}

func (cc *compileContext) compileInsert(ins *sqlil.Insert) (string, error) {
	aliases, err := cc.dmlAliases(ins.Target)
	if err != nil {
		return "", err
	}

	table, err := cc.dmlTableRef(ins.Target)
	if err != nil {
		return "", err
	}

	q := cc.dialect.QuoteIdent
	cols := make([]string, 0, len(ins.Cols))
	vals := make([]string, 0, len(ins.Cols))

	for _, col := range ins.Cols {
		name, err := cc.dmlColumn(ins.Target, col.Alias)
		if err != nil {
			return "", err
		}
		cols = append(cols, q(name))

		v, err := cc.expr(col.Expr, aliases)
		if err != nil {
			return "", err
		}
		vals = append(vals, v)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(vals, ", ")), nil
}

func (cc *compileContext) compileBulkInsert(ins *sqlil.BulkInsert) (string, error) {
	if len(ins.Cols) == 0 || len(ins.Values)%len(ins.Cols) != 0 {
		return "", errors.New(errors.ErrCodePlanInvalidOp,
			"bulk insert values are not a multiple of the column count").Err()
	}

	aliases, err := cc.dmlAliases(ins.Target)
	if err != nil {
		return "", err
	}

	table, err := cc.dmlTableRef(ins.Target)
	if err != nil {
		return "", err
	}

	q := cc.dialect.QuoteIdent
	cols := make([]string, 0, len(ins.Cols))
	for _, col := range ins.Cols {
		name, err := cc.dmlColumn(ins.Target, col)
		if err != nil {
			return "", err
		}
		cols = append(cols, q(name))
	}

	var rows []string
	for i := 0; i < len(ins.Values); i += len(ins.Cols) {
		vals := make([]string, 0, len(ins.Cols))
		for _, e := range ins.Values[i : i+len(ins.Cols)] {
			v, err := cc.expr(e, aliases)
			if err != nil {
				return "", err
			}
			vals = append(vals, v)
		}
		rows = append(rows, "("+strings.Join(vals, ", ")+")")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(cols, ", "), strings.Join(rows, ", ")), nil
}

func (cc *compileContext) compileUpdate(upd *sqlil.Update) (string, error) {
	aliases, err := cc.dmlAliases(upd.Target)
	if err != nil {
		return "", err
	}

	table, err := cc.dmlTableRef(upd.Target)
	if err != nil {
		return "", err
	}

	q := cc.dialect.QuoteIdent

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(table)
	b.WriteString(" SET ")

	if len(upd.Sets) == 0 {
		return "", errors.New(errors.ErrCodePlanInvalidOp,
			"update has no set columns").Err()
	}

	for i, set := range upd.Sets {
		if i > 0 {
			b.WriteString(", ")
		}
		name, err := cc.dmlColumn(upd.Target, set.Alias)
		if err != nil {
			return "", err
		}
		v, err := cc.exprUnqualified(set.Expr, aliases)
		if err != nil {
			return "", err
		}
		b.WriteString(q(name))
		b.WriteString(" = ")
		b.WriteString(v)
	}

	if len(upd.Where) > 0 {
		where, err := cc.exprListUnqualified(upd.Where, aliases, " AND ")
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	return b.String(), nil
}

func (cc *compileContext) compileDelete(del *sqlil.Delete) (string, error) {
	aliases, err := cc.dmlAliases(del.Target)
	if err != nil {
		return "", err
	}

	table, err := cc.dmlTableRef(del.Target)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(table)

	if len(del.Where) > 0 {
		where, err := cc.exprListUnqualified(del.Where, aliases, " AND ")
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	return b.String(), nil
}

// exprUnqualified compiles an expression with attribute references rendered
// as bare column names, as required inside unaliased DML statements.
func (cc *compileContext) exprUnqualified(e sqlil.Expr, aliases map[string]*connector.EntityConfig) (string, error) {
	q := cc.dialect.QuoteIdent

	switch n := e.(type) {
	case sqlil.Attribute:
		entity, ok := aliases[n.EntityAlias]
		if !ok {
			return "", errors.Newf(errors.ErrCodePlanEntity,
				"unknown entity alias %q", n.EntityAlias).Err()
		}
		return q(cc.sourceColumn(n, entity)), nil

	case sqlil.UnaryOp:
		inner, err := cc.exprUnqualified(n.Expr, aliases)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case sqlil.UnaryOpNot:
			return "(NOT (" + inner + "))", nil
		case sqlil.UnaryOpNegate:
			return "(-(" + inner + "))", nil
		case sqlil.UnaryOpIsNull:
			return "((" + inner + ") IS NULL)", nil
		case sqlil.UnaryOpIsNotNull:
			return "((" + inner + ") IS NOT NULL)", nil
		}
		return "", errors.Newf(errors.ErrCodeInternal, "unknown unary op %d", n.Op).Err()

	case sqlil.BinaryOp:
		left, err := cc.exprUnqualified(n.Left, aliases)
		if err != nil {
			return "", err
		}
		right, err := cc.exprUnqualified(n.Right, aliases)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("((%s) %s (%s))", left, n.Op, right), nil

	default:
		return cc.expr(e, aliases)
	}
}

func (cc *compileContext) exprListUnqualified(exprs []sqlil.Expr, aliases map[string]*connector.EntityConfig, sep string) (string, error) {
	parts := make([]string, 0, len(exprs))
	for _, e := range exprs {
		s, err := cc.exprUnqualified(e, aliases)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, sep), nil
}
