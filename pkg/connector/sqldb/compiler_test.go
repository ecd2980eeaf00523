package sqldb

import (
	"context"
	"testing"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

func testEntities() *connector.EntityRegistry {
	reg := connector.NewEntityRegistry()
	reg.Add(connector.EntityConfig{
		ID: "t",
		Attributes: []connector.EntityAttributeConfig{
			{Name: "id", Type: data.Int64(), PrimaryKey: true},
			{Name: "name", Type: data.Utf8StringMax(255), Nullable: true},
		},
		SourceConfig: map[string]string{"schema": "schema", "table": "t"},
	})
	return reg
}

func compileWith(t *testing.T, d Dialect, q sqlil.Query) connector.NativeQuery {
	t.Helper()

	c := newCompiler(d, testEntities())
	native, err := c.CompileQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return native
}

func TestCompileSelectWithWhere(t *testing.T) {
	sel := sqlil.NewSelect(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	q := sqlil.SelectQuery(sel)

	ops := []sqlil.QueryOperation{
		sqlil.AddColumn("c0", sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"}),
		sqlil.AddWhere(sqlil.BinaryOp{
			Left:  sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"},
			Op:    sqlil.BinaryOpEqual,
			Right: sqlil.Parameter{Type: data.Utf8String(), ID: 1},
		}),
	}
	for _, op := range ops {
		if err := q.Apply(op); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	native := compileWith(t, sqliteDialect{}, q)

	want := `SELECT "t1"."name" AS "c0" FROM "schema"."t" AS "t1" WHERE (("t1"."name") = ($1))`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}

	if len(native.Params) != 1 || !native.Params[0].IsDynamic() || native.Params[0].ID != 1 {
		t.Errorf("params: %+v", native.Params)
	}

	desc := native.Descriptor.(compiledQuery)
	if len(desc.structure.Cols) != 1 || desc.structure.Cols[0].Name != "c0" {
		t.Errorf("structure: %+v", desc.structure)
	}
	if desc.structure.Cols[0].Type.Kind != data.KindUtf8String {
		t.Errorf("column type: %v", desc.structure.Cols[0].Type)
	}
}

func TestCompileSelectPagination(t *testing.T) {
	sel := sqlil.NewSelect(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	sel.Cols = []sqlil.Aliased{{Alias: "c0", Expr: sqlil.Attribute{EntityAlias: "t1", AttributeID: "id"}}}
	sel.RowLimit = 10
	sel.RowOffset = 20

	native := compileWith(t, sqliteDialect{}, sqlil.SelectQuery(sel))

	want := `SELECT "t1"."id" AS "c0" FROM "schema"."t" AS "t1" LIMIT 10 OFFSET 20`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}
}

func TestCompileSelectOrderBy(t *testing.T) {
	sel := sqlil.NewSelect(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	sel.Cols = []sqlil.Aliased{{Alias: "c0", Expr: sqlil.Attribute{EntityAlias: "t1", AttributeID: "id"}}}
	sel.OrderBys = []sqlil.Ordering{
		{Type: sqlil.OrderingDesc, Expr: sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"}},
	}

	native := compileWith(t, sqliteDialect{}, sqlil.SelectQuery(sel))

	want := `SELECT "t1"."id" AS "c0" FROM "schema"."t" AS "t1" ORDER BY "t1"."name" DESC`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}
}

func TestCompileInsert(t *testing.T) {
	ins := sqlil.NewInsert(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	ins.Cols = []sqlil.Aliased{
		{Alias: "id", Expr: sqlil.Parameter{Type: data.Int64(), ID: 1}},
		{Alias: "name", Expr: sqlil.Parameter{Type: data.Utf8String(), ID: 2}},
	}

	native := compileWith(t, sqliteDialect{}, sqlil.InsertQuery(ins))

	want := `INSERT INTO "schema"."t" ("id", "name") VALUES ($1, $2)`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}
	if len(native.Params) != 2 {
		t.Errorf("params: %+v", native.Params)
	}
}

func TestCompileBulkInsert(t *testing.T) {
	ins := sqlil.NewBulkInsert(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	ins.Cols = []string{"id", "name"}
	ins.Values = []sqlil.Expr{
		sqlil.Parameter{Type: data.Int64(), ID: 1},
		sqlil.Parameter{Type: data.Utf8String(), ID: 2},
		sqlil.Parameter{Type: data.Int64(), ID: 3},
		sqlil.Parameter{Type: data.Utf8String(), ID: 4},
	}

	native := compileWith(t, sqliteDialect{}, sqlil.BulkInsertQuery(ins))

	want := `INSERT INTO "schema"."t" ("id", "name") VALUES ($1, $2), ($3, $4)`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}
}

func TestCompileUpdateWithRowID(t *testing.T) {
	upd := sqlil.NewUpdate(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	upd.Sets = []sqlil.Aliased{
		{Alias: "name", Expr: sqlil.Parameter{Type: data.Utf8String(), ID: 1}},
	}
	upd.Where = []sqlil.Expr{
		sqlil.BinaryOp{
			Left:  sqlil.Attribute{EntityAlias: "t1", AttributeID: "id"},
			Op:    sqlil.BinaryOpEqual,
			Right: sqlil.Parameter{Type: data.Int64(), ID: 2},
		},
	}

	native := compileWith(t, sqliteDialect{}, sqlil.UpdateQuery(upd))

	want := `UPDATE "schema"."t" SET "name" = $1 WHERE (("id") = ($2))`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}
}

func TestCompileDelete(t *testing.T) {
	del := sqlil.NewDelete(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	del.Where = []sqlil.Expr{
		sqlil.BinaryOp{
			Left:  sqlil.Attribute{EntityAlias: "t1", AttributeID: "id"},
			Op:    sqlil.BinaryOpEqual,
			Right: sqlil.Parameter{Type: data.Int64(), ID: 1},
		},
	}

	native := compileWith(t, sqliteDialect{}, sqlil.DeleteQuery(del))

	want := `DELETE FROM "schema"."t" WHERE (("id") = ($1))`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}
}

func TestCompileMssqlPlaceholders(t *testing.T) {
	sel := sqlil.NewSelect(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	sel.Cols = []sqlil.Aliased{{Alias: "c0", Expr: sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"}}}
	sel.Where = []sqlil.Expr{
		sqlil.BinaryOp{
			Left:  sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"},
			Op:    sqlil.BinaryOpEqual,
			Right: sqlil.Parameter{Type: data.Utf8String(), ID: 1},
		},
	}

	native := compileWith(t, mssqlDialect{}, sqlil.SelectQuery(sel))

	want := `SELECT [t1].[name] AS [c0] FROM [schema].[t] AS [t1] WHERE (([t1].[name]) = (@p1))`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}
}

func TestCompileConstantBecomesParam(t *testing.T) {
	sel := sqlil.NewSelect(sqlil.EntitySource{EntityID: "t", Alias: "t1"})
	sel.Cols = []sqlil.Aliased{{Alias: "c0", Expr: sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"}}}
	sel.Where = []sqlil.Expr{
		sqlil.BinaryOp{
			Left:  sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"},
			Op:    sqlil.BinaryOpEqual,
			Right: sqlil.Constant{Value: data.StringValue("John")},
		},
	}

	native := compileWith(t, sqliteDialect{}, sqlil.SelectQuery(sel))

	want := `SELECT "t1"."name" AS "c0" FROM "schema"."t" AS "t1" WHERE (("t1"."name") = ($1))`
	if native.Query != want {
		t.Errorf("sql mismatch:\n got %s\nwant %s", native.Query, want)
	}

	if len(native.Params) != 1 || native.Params[0].IsDynamic() {
		t.Fatalf("constant should compile to a constant param: %+v", native.Params)
	}
	if !native.Params[0].Constant.Equal(data.StringValue("John")) {
		t.Errorf("constant value: %v", native.Params[0].Constant)
	}
}

func TestGlobMatching(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"dbo.*", "dbo.people", true},
		{"dbo.*", "sales.people", false},
		{"%.people", "dbo.people", true},
		{"pe?ple", "people", true},
		{"pe?ple", "peple", false},
	}

	for _, tt := range tests {
		opts := connector.DiscoveryOptions{RemoteSchema: tt.pattern}
		if got := opts.MatchesRemoteSchema(tt.name); got != tt.want {
			t.Errorf("pattern %q vs %q: got %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}
