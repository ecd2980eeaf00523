package sqlil

// EntitySource references an entity under an alias local to the query.
type EntitySource struct {
	EntityID string
	Alias    string
}

// Aliased pairs an output alias with the expression that produces it.
type Aliased struct {
	Alias string
	Expr  Expr
}

// JoinType enumerates join flavours.
type JoinType uint8

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "INNER JOIN"
	case JoinLeft:
		return "LEFT JOIN"
	case JoinRight:
		return "RIGHT JOIN"
	case JoinFull:
		return "FULL JOIN"
	default:
		return "JOIN"
	}
}

// Join joins another entity into a select.
type Join struct {
	Type   JoinType
	Target EntitySource
	Conds  []Expr
}

// OrderingType is the sort direction.
type OrderingType uint8

const (
	OrderingAsc OrderingType = iota
	OrderingDesc
)

func (t OrderingType) String() string {
	if t == OrderingDesc {
		return "DESC"
	}
	return "ASC"
}

// Ordering is one ORDER BY term.
type Ordering struct {
	Type OrderingType
	Expr Expr
}

// QueryType discriminates the operator tree variants.
type QueryType uint8

const (
	QueryTypeSelect QueryType = iota
	QueryTypeInsert
	QueryTypeBulkInsert
	QueryTypeUpdate
	QueryTypeDelete
)

func (t QueryType) String() string {
	switch t {
	case QueryTypeSelect:
		return "select"
	case QueryTypeInsert:
		return "insert"
	case QueryTypeBulkInsert:
		return "bulk_insert"
	case QueryTypeUpdate:
		return "update"
	case QueryTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Select is an accretively built select over a single base entity plus
// optional joins.
type Select struct {
	From     EntitySource
	Cols     []Aliased
	Where    []Expr
	Joins    []Join
	GroupBys []Expr
	OrderBys []Ordering

	// RowLimit/RowOffset of 0 mean unset; RowLock requests FOR UPDATE.
	RowLimit  uint64
	RowOffset uint64
	RowLock   bool
}

// NewSelect creates the base select over the entity.
func NewSelect(from EntitySource) *Select {
	return &Select{From: from}
}

// Clone returns a deep-enough copy for clone-on-push accretion: slices are
// copied, expression nodes are shared (they are immutable values).
func (q *Select) Clone() *Select {
	c := *q
	c.Cols = append([]Aliased(nil), q.Cols...)
	c.Where = append([]Expr(nil), q.Where...)
	c.Joins = append([]Join(nil), q.Joins...)
	c.GroupBys = append([]Expr(nil), q.GroupBys...)
	c.OrderBys = append([]Ordering(nil), q.OrderBys...)
	return &c
}

// Insert inserts one row into the target entity.
type Insert struct {
	Target EntitySource
	Cols   []Aliased
}

func NewInsert(target EntitySource) *Insert {
	return &Insert{Target: target}
}

func (q *Insert) Clone() *Insert {
	c := *q
	c.Cols = append([]Aliased(nil), q.Cols...)
	return &c
}

// BulkInsert inserts multiple rows into the target entity. Values holds
// Cols-many expressions per row, row-major.
type BulkInsert struct {
	Target EntitySource
	Cols   []string
	Values []Expr
}

func NewBulkInsert(target EntitySource) *BulkInsert {
	return &BulkInsert{Target: target}
}

func (q *BulkInsert) Clone() *BulkInsert {
	c := *q
	c.Cols = append([]string(nil), q.Cols...)
	c.Values = append([]Expr(nil), q.Values...)
	return &c
}

// Rows returns the number of complete rows in Values.
func (q *BulkInsert) Rows() int {
	if len(q.Cols) == 0 {
		return 0
	}
	return len(q.Values) / len(q.Cols)
}

// Update modifies rows of the target entity.
type Update struct {
	Target EntitySource
	Sets   []Aliased
	Where  []Expr
}

func NewUpdate(target EntitySource) *Update {
	return &Update{Target: target}
}

func (q *Update) Clone() *Update {
	c := *q
	c.Sets = append([]Aliased(nil), q.Sets...)
	c.Where = append([]Expr(nil), q.Where...)
	return &c
}

// Delete removes rows of the target entity.
type Delete struct {
	Target EntitySource
	Where  []Expr
}

func NewDelete(target EntitySource) *Delete {
	return &Delete{Target: target}
}

func (q *Delete) Clone() *Delete {
	c := *q
	c.Where = append([]Expr(nil), q.Where...)
	return &c
}

// Query is the tagged union over the operator tree variants.
type Query struct {
	Type       QueryType
	Select     *Select
	Insert     *Insert
	BulkInsert *BulkInsert
	Update     *Update
	Delete     *Delete
}

func SelectQuery(q *Select) Query         { return Query{Type: QueryTypeSelect, Select: q} }
func InsertQuery(q *Insert) Query         { return Query{Type: QueryTypeInsert, Insert: q} }
func BulkInsertQuery(q *BulkInsert) Query { return Query{Type: QueryTypeBulkInsert, BulkInsert: q} }
func UpdateQuery(q *Update) Query         { return Query{Type: QueryTypeUpdate, Update: q} }
func DeleteQuery(q *Delete) Query         { return Query{Type: QueryTypeDelete, Delete: q} }

// Source returns the base entity the query operates on.
func (q Query) Source() EntitySource {
	switch q.Type {
	case QueryTypeSelect:
		return q.Select.From
	case QueryTypeInsert:
		return q.Insert.Target
	case QueryTypeBulkInsert:
		return q.BulkInsert.Target
	case QueryTypeUpdate:
		return q.Update.Target
	default:
		return q.Delete.Target
	}
}

// WalkExprs visits every expression in the query in a deterministic order:
// for selects, output columns, join conditions, where predicates, group and
// order terms; for inserts, column values; for bulk inserts, the values; for
// updates, sets then predicates; for deletes, predicates. Parameter ids are collected in this order when deriving the
// input structure.
func (q Query) WalkExprs(fn func(Expr)) {
	visit := func(exprs ...Expr) {
		for _, e := range exprs {
			if e != nil {
				e.Walk(fn)
			}
		}
	}

	switch q.Type {
	case QueryTypeSelect:
		for _, c := range q.Select.Cols {
			visit(c.Expr)
		}
		for _, j := range q.Select.Joins {
			visit(j.Conds...)
		}
		visit(q.Select.Where...)
		visit(q.Select.GroupBys...)
		for _, o := range q.Select.OrderBys {
			visit(o.Expr)
		}
	case QueryTypeInsert:
		for _, c := range q.Insert.Cols {
			visit(c.Expr)
		}
	case QueryTypeBulkInsert:
		visit(q.BulkInsert.Values...)
	case QueryTypeUpdate:
		for _, s := range q.Update.Sets {
			visit(s.Expr)
		}
		visit(q.Update.Where...)
	case QueryTypeDelete:
		visit(q.Delete.Where...)
	}
}

// Parameters collects every Parameter node of the query in walk order.
func (q Query) Parameters() []Parameter {
	var out []Parameter
	q.WalkExprs(func(e Expr) {
		if p, ok := e.(Parameter); ok {
			out = append(out, p)
		}
	})
	return out
}
