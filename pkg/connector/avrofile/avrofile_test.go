package avrofile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

func quietLogger() *log.Logger {
	return log.New(log.Config{DefaultLevel: log.LevelOff})
}

func testConnection(t *testing.T) (*avroConnection, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "readings.avro")

	entities := connector.NewEntityRegistry()
	entities.Add(connector.EntityConfig{
		ID: "readings",
		Attributes: []connector.EntityAttributeConfig{
			{Name: "sensor", Type: data.Utf8String()},
			{Name: "value", Type: data.Float64(), Nullable: true},
		},
		SourceConfig: map[string]string{"path": path},
	})

	return &avroConnection{entities: entities, logger: quietLogger()}, path
}

// insertRows appends rows through the full plan/compile/execute path.
func insertRows(t *testing.T, conn *avroConnection, rows [][]data.DataValue) {
	t.Helper()

	entity, _ := conn.entities.Get("readings")
	planner := conn.Planner()

	_, q, err := planner.CreateBaseQuery(context.Background(), entity, "t1", sqlil.QueryTypeBulkInsert)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var exprs []sqlil.Expr
	id := uint32(1)
	for range rows {
		for _, typ := range []data.DataType{data.Utf8String(), data.Float64()} {
			exprs = append(exprs, sqlil.Parameter{Type: typ, ID: id})
			id++
		}
	}

	res, err := planner.ApplyOperation(context.Background(), &q,
		sqlil.SetBulkRows([]string{"sensor", "value"}, exprs))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Outcome != connector.OutcomeRemote {
		t.Fatalf("bulk rows should push down: %v", res.Outcome)
	}

	native, err := conn.Compiler().CompileQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	handle, err := conn.Prepare(context.Background(), native)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	var buf []byte
	for _, row := range rows {
		for i, v := range row {
			typ := data.Utf8String()
			if i == 1 {
				typ = data.Float64()
			}
			buf, err = data.EncodeValue(buf, typ, v)
			if err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := handle.Write(buf); err != nil {
		t.Fatalf("write params: %v", err)
	}

	affected, err := handle.ExecuteModify(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if affected == nil || *affected != uint64(len(rows)) {
		t.Fatalf("affected: %v", affected)
	}
}

func readAll(t *testing.T, conn *avroConnection) [][]data.DataValue {
	t.Helper()

	entity, _ := conn.entities.Get("readings")
	planner := conn.Planner()

	_, q, err := planner.CreateBaseQuery(context.Background(), entity, "t1", sqlil.QueryTypeSelect)
	if err != nil {
		t.Fatalf("create select: %v", err)
	}

	for i, col := range []string{"sensor", "value"} {
		res, err := planner.ApplyOperation(context.Background(), &q,
			sqlil.AddColumn(
				"c"+string(rune('0'+i)),
				sqlil.Attribute{EntityAlias: "t1", AttributeID: col},
			))
		if err != nil {
			t.Fatalf("apply column: %v", err)
		}
		if res.Outcome != connector.OutcomeRemote {
			t.Fatalf("projection should push down")
		}
	}

	native, err := conn.Compiler().CompileQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	handle, err := conn.Prepare(context.Background(), native)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	results, err := handle.ExecuteQuery(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	defer results.Close()

	rows, err := connector.NewResultReader(results, results.RowStructure()).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return rows
}

func TestAvroWriteAndReadBack(t *testing.T) {
	conn, _ := testConnection(t)

	insertRows(t, conn, [][]data.DataValue{
		{data.StringValue("s1"), data.Float64Value(1.5)},
		{data.StringValue("s2"), data.NullValue()},
	})

	rows := readAll(t, conn)
	if len(rows) != 2 {
		t.Fatalf("rows: %v", rows)
	}
	if !rows[0][0].Equal(data.StringValue("s1")) || !rows[0][1].Equal(data.Float64Value(1.5)) {
		t.Errorf("row 0: %v", rows[0])
	}
	if !rows[1][1].IsNull() {
		t.Errorf("row 1 value should be null: %v", rows[1])
	}
}

func TestAvroAppendPreservesSyncMarker(t *testing.T) {
	conn, path := testConnection(t)

	insertRows(t, conn, [][]data.DataValue{
		{data.StringValue("s1"), data.Float64Value(1)},
	})

	before, err := readFileHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}

	insertRows(t, conn, [][]data.DataValue{
		{data.StringValue("s2"), data.Float64Value(2)},
	})

	after, err := readFileHeader(path)
	if err != nil {
		t.Fatalf("header after append: %v", err)
	}

	if before.Sync != after.Sync {
		t.Error("append must preserve the file's synchronisation marker")
	}
	if before.Schema != after.Schema {
		t.Error("append must preserve the file's schema")
	}

	rows := readAll(t, conn)
	if len(rows) != 2 {
		t.Fatalf("rows after append: %v", rows)
	}
}

func TestAvroSearcherDiscoversFiles(t *testing.T) {
	conn, path := testConnection(t)

	insertRows(t, conn, [][]data.DataValue{
		{data.StringValue("s1"), data.Float64Value(1)},
	})

	searcher := NewSearcher([]string{path, filepath.Join(t.TempDir(), "missing.avro")}, quietLogger())

	entities, err := searcher.Discover(context.Background(), nil, connector.DiscoveryOptions{})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	// The unreadable file is skipped with a warning, never fatal.
	if len(entities) != 1 {
		t.Fatalf("entities: %+v", entities)
	}
	if entities[0].ID != "readings" {
		t.Errorf("entity id: %q", entities[0].ID)
	}
	if len(entities[0].Attributes) != 2 {
		t.Errorf("attributes: %+v", entities[0].Attributes)
	}
	if entities[0].Attributes[1].Name != "value" || !entities[0].Attributes[1].Nullable {
		t.Errorf("value attribute: %+v", entities[0].Attributes[1])
	}
}

func TestAvroDeclinesNonProjectionPushdown(t *testing.T) {
	conn, _ := testConnection(t)

	entity, _ := conn.entities.Get("readings")
	planner := conn.Planner()

	_, q, err := planner.CreateBaseQuery(context.Background(), entity, "t1", sqlil.QueryTypeSelect)
	if err != nil {
		t.Fatal(err)
	}

	res, err := planner.ApplyOperation(context.Background(), &q, sqlil.SetRowLimit(1))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Outcome != connector.OutcomeLocal {
		t.Errorf("row limit should be evaluated locally: %v", res.Outcome)
	}

	if _, _, err := planner.CreateBaseQuery(context.Background(), entity, "t1", sqlil.QueryTypeDelete); err == nil {
		t.Error("delete on an avro file should fail")
	}
}
