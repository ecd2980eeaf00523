package server_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/fdw/client"
	"github.com/tessera-db/tessera/pkg/fdw/proto"
	fdwserver "github.com/tessera-db/tessera/pkg/fdw/server"
	"github.com/tessera-db/tessera/pkg/fdw/txn"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// fakeSource is an in-memory table shared by the fake connector's
// connections, with transaction call counters.
type fakeSource struct {
	mu   sync.Mutex
	rows [][]data.DataValue

	transactional bool
	begun         int
	committed     int
	rolledBack    int
}

func newFakeSource(transactional bool) *fakeSource {
	return &fakeSource{
		transactional: transactional,
		rows: [][]data.DataValue{
			{data.Int64Value(1), data.StringValue("John")},
			{data.Int64Value(2), data.StringValue("Jane")},
			{data.Int64Value(3), data.StringValue("Mary")},
		},
	}
}

func (s *fakeSource) counts() (begun, committed, rolledBack int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun, s.committed, s.rolledBack
}

var peopleEntity = connector.EntityConfig{
	ID: "people",
	Attributes: []connector.EntityAttributeConfig{
		{Name: "id", Type: data.Int64(), PrimaryKey: true},
		{Name: "name", Type: data.Utf8StringMax(255), Nullable: true},
	},
}

// fakeConn implements connector.Connection over the shared source.
type fakeConn struct {
	src *fakeSource
}

func (c *fakeConn) Planner() connector.QueryPlanner   { return &fakePlanner{} }
func (c *fakeConn) Compiler() connector.QueryCompiler { return &fakeCompiler{} }
func (c *fakeConn) Close() error                      { return nil }

func (c *fakeConn) Transactions() connector.TransactionManager {
	if !c.src.transactional {
		return nil
	}
	return &fakeTxn{src: c.src}
}

func (c *fakeConn) Prepare(ctx context.Context, q connector.NativeQuery) (connector.QueryHandle, error) {
	desc := q.Descriptor.(fakeQuery)
	return &fakeHandle{src: c.src, desc: desc, sink: data.NewQueryParamSink(q.Params)}, nil
}

type fakeTxn struct {
	src *fakeSource
}

func (t *fakeTxn) BeginTransaction(ctx context.Context) error {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	t.src.begun++
	return nil
}

func (t *fakeTxn) CommitTransaction(ctx context.Context) error {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	t.src.committed++
	return nil
}

func (t *fakeTxn) RollbackTransaction(ctx context.Context) error {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	t.src.rolledBack++
	return nil
}

// fakePlanner accepts attribute projections and name = $param predicates.
type fakePlanner struct{}

func (p *fakePlanner) EstimateSize(ctx context.Context, entity *connector.EntityConfig) (connector.OperationCost, error) {
	return connector.RowsCost(3), nil
}

func (p *fakePlanner) CreateBaseQuery(ctx context.Context, entity *connector.EntityConfig, alias string, qt sqlil.QueryType) (connector.OperationCost, sqlil.Query, error) {
	if qt != sqlil.QueryTypeSelect {
		return connector.OperationCost{}, sqlil.Query{}, errors.Unsupported(qt.String()).Err()
	}
	q := sqlil.SelectQuery(sqlil.NewSelect(sqlil.EntitySource{EntityID: entity.ID, Alias: alias}))
	return connector.RowsCost(3), q, nil
}

func (p *fakePlanner) ApplyOperation(ctx context.Context, q *sqlil.Query, op sqlil.QueryOperation) (connector.QueryOperationResult, error) {
	switch op.Kind {
	case sqlil.OpAddColumn:
		if _, ok := op.Expr.(sqlil.Attribute); !ok {
			return connector.PerformedLocally(), nil
		}
	case sqlil.OpAddWhere:
		// Only simple equality on a parameter pushes down.
		bin, ok := op.Expr.(sqlil.BinaryOp)
		if !ok || bin.Op != sqlil.BinaryOpEqual {
			return connector.PerformedLocally(), nil
		}
		if _, ok := bin.Left.(sqlil.Attribute); !ok {
			return connector.PerformedLocally(), nil
		}
		if _, ok := bin.Right.(sqlil.Parameter); !ok {
			return connector.PerformedLocally(), nil
		}
	default:
		return connector.PerformedLocally(), nil
	}

	probe := q.Clone()
	if err := probe.Apply(op); err != nil {
		return connector.QueryOperationResult{}, err
	}
	*q = probe
	return connector.PerformedRemotely(connector.RowsCost(1)), nil
}

func (p *fakePlanner) RowIDExprs(ctx context.Context, entity *connector.EntityConfig, alias string) ([]sqlil.Expr, []data.DataType, error) {
	return []sqlil.Expr{sqlil.Attribute{EntityAlias: alias, AttributeID: "id"}},
		[]data.DataType{data.Int64()}, nil
}

func (p *fakePlanner) MaxBulkInsertRows(ctx context.Context, entity *connector.EntityConfig) (uint32, error) {
	return 100, nil
}

func (p *fakePlanner) Explain(ctx context.Context, q sqlil.Query, verbose bool) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"entity": q.Source().EntityID})
}

// fakeQuery is the compiled descriptor.
type fakeQuery struct {
	cols      []sqlil.Aliased
	whereAttr string
}

type fakeCompiler struct{}

func (c *fakeCompiler) CompileQuery(ctx context.Context, q sqlil.Query) (connector.NativeQuery, error) {
	desc := fakeQuery{cols: q.Select.Cols}
	var params []data.QueryParam

	for _, w := range q.Select.Where {
		bin := w.(sqlil.BinaryOp)
		desc.whereAttr = bin.Left.(sqlil.Attribute).AttributeID
		prm := bin.Right.(sqlil.Parameter)
		params = append(params, data.DynamicParam(prm.ID, prm.Type))
	}

	return connector.NativeQuery{Params: params, Descriptor: desc}, nil
}

// fakeHandle filters the shared rows.
type fakeHandle struct {
	src  *fakeSource
	desc fakeQuery
	sink *data.QueryParamSink
}

func (h *fakeHandle) InputStructure() data.QueryInputStructure { return h.sink.InputStructure() }
func (h *fakeHandle) Write(p []byte) (int, error)              { return h.sink.Write(p) }
func (h *fakeHandle) Restart() error                           { h.sink.Clear(); return nil }
func (h *fakeHandle) Close() error                             { return nil }

func (h *fakeHandle) Logged() (string, []data.DataValue, error) {
	return "fake:people", nil, nil
}

func (h *fakeHandle) ExecuteModify(ctx context.Context) (*uint64, error) {
	return nil, errors.Unsupported("modify").Err()
}

func (h *fakeHandle) ExecuteQuery(ctx context.Context) (connector.ResultSet, error) {
	values, err := h.sink.GetAll()
	if err != nil {
		return nil, err
	}

	var structure connector.RowStructure
	ordinals := make([]int, 0, len(h.desc.cols))
	for _, col := range h.desc.cols {
		attr := col.Expr.(sqlil.Attribute)
		for i, a := range peopleEntity.Attributes {
			if a.Name == attr.AttributeID {
				structure.Cols = append(structure.Cols, connector.RowColumn{Name: col.Alias, Type: a.Type})
				ordinals = append(ordinals, i)
			}
		}
	}

	whereOrd := -1
	if h.desc.whereAttr != "" {
		for i, a := range peopleEntity.Attributes {
			if a.Name == h.desc.whereAttr {
				whereOrd = i
			}
		}
	}

	h.src.mu.Lock()
	defer h.src.mu.Unlock()

	var out [][]data.DataValue
	for _, row := range h.src.rows {
		if whereOrd >= 0 && len(values) == 1 && !row[whereOrd].Equal(values[0]) {
			continue
		}
		projected := make([]data.DataValue, len(ordinals))
		for i, ord := range ordinals {
			projected[i] = row[ord]
		}
		out = append(out, projected)
	}

	return connector.NewRowsResultSet(structure, out), nil
}

// startHost spins up a host over the fake source and returns the socket
// path.
func startHost(t *testing.T, src *fakeSource) string {
	t.Helper()

	logger := log.New(log.Config{DefaultLevel: log.LevelOff})

	pool := connector.NewPool(connector.DefaultPoolConfig(),
		func(ctx context.Context, role string) (connector.Connection, error) {
			return &fakeConn{src: src}, nil
		}, logger)

	entities := connector.NewEntityRegistry()
	entities.Add(peopleEntity)

	socket := filepath.Join(t.TempDir(), "fdw.sock")
	srv := fdwserver.NewServer(socket, []*fdwserver.DataSource{
		{ID: "people_db", Pool: pool, Entities: entities},
	}, nil, logger)

	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	return socket
}

func connectHost(t *testing.T, socket string) *client.Connection {
	t.Helper()

	con, err := client.Connect(socket, "people_db", "token")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { con.Release() })
	return con
}

func TestChannelRequiresAuthFirst(t *testing.T) {
	socket := startHost(t, newFakeSource(true))

	ch, err := client.Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	// Any non-auth first message closes the channel with an error.
	req := proto.QueryMsg(0, proto.ClientQueryMessage{Type: proto.QueryPrepare})
	if _, err := ch.Send(req); err == nil {
		t.Error("unauthenticated request should fail")
	}
}

func TestSelectPushdownEndToEnd(t *testing.T) {
	socket := startHost(t, newFakeSource(true))
	con := connectHost(t, socket)

	q := con.NewQuery()
	defer q.Close()

	cost, err := q.Create(sqlil.QueryTypeSelect, "people", "t1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cost.Rows == nil || *cost.Rows != 3 {
		t.Errorf("base cost: %+v", cost)
	}

	res, err := q.Apply(sqlil.AddColumn("c0", sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"}))
	if err != nil {
		t.Fatalf("apply column: %v", err)
	}
	if res.Outcome != connector.OutcomeRemote {
		t.Errorf("column projection should push down: %v", res.Outcome)
	}

	res, err = q.Apply(sqlil.AddWhere(sqlil.BinaryOp{
		Left:  sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"},
		Op:    sqlil.BinaryOpEqual,
		Right: sqlil.Parameter{Type: data.Utf8String(), ID: 1},
	}))
	if err != nil {
		t.Fatalf("apply where: %v", err)
	}
	if res.Outcome != connector.OutcomeRemote {
		t.Errorf("parameterised equality should push down: %v", res.Outcome)
	}

	input, err := q.Prepare()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(input.Params) != 1 || input.Params[0].ID != 1 {
		t.Fatalf("input structure: %+v", input)
	}

	// Stream the parameter value.
	encoded, err := data.EncodeValue(nil, input.Params[0].Type, data.StringValue("John"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.WriteParams(encoded); err != nil {
		t.Fatalf("write params: %v", err)
	}

	structure, err := q.Execute()
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(structure.Cols) != 1 || structure.Cols[0].Name != "c0" {
		t.Fatalf("row structure: %+v", structure)
	}

	rows, err := q.ReadRows().ReadAll()
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
	if !rows[0][0].Equal(data.StringValue("John")) {
		t.Errorf("row value: %v", rows[0][0])
	}

	// Restart returns to prepared: stream a different value and re-run.
	if err := q.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	encoded, _ = data.EncodeValue(nil, input.Params[0].Type, data.StringValue("Jane"))
	if _, err := q.WriteParams(encoded); err != nil {
		t.Fatalf("write params after restart: %v", err)
	}
	if _, err := q.Execute(); err != nil {
		t.Fatalf("execute after restart: %v", err)
	}

	rows, err = q.ReadRows().ReadAll()
	if err != nil {
		t.Fatalf("read rows after restart: %v", err)
	}
	if len(rows) != 1 || !rows[0][0].Equal(data.StringValue("Jane")) {
		t.Fatalf("rows after restart: %v", rows)
	}
}

func TestExecuteBeforeParamsFails(t *testing.T) {
	socket := startHost(t, newFakeSource(true))
	con := connectHost(t, socket)

	q := con.NewQuery()

	if _, err := q.Create(sqlil.QueryTypeSelect, "people", "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Apply(sqlil.AddColumn("c0", sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"})); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Apply(sqlil.AddWhere(sqlil.BinaryOp{
		Left:  sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"},
		Op:    sqlil.BinaryOpEqual,
		Right: sqlil.Parameter{Type: data.Utf8String(), ID: 1},
	})); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Prepare(); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Execute(); err == nil {
		t.Error("execute before streaming all params should fail")
	}
}

func TestIndependentQuerySlotIDSpaces(t *testing.T) {
	socket := startHost(t, newFakeSource(true))

	con1 := connectHost(t, socket)
	con2 := connectHost(t, socket)

	q1 := con1.NewQuery()
	q2 := con2.NewQuery()
	defer q1.Close()
	defer q2.Close()

	// Both connections allocate slot 0 independently.
	if q1.ID() != 0 || q2.ID() != 0 {
		t.Fatalf("slot ids: %d, %d", q1.ID(), q2.ID())
	}

	if _, err := q1.Create(sqlil.QueryTypeSelect, "people", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := q2.Create(sqlil.QueryTypeSelect, "people", "b"); err != nil {
		t.Fatal(err)
	}
}

func TestExplain(t *testing.T) {
	socket := startHost(t, newFakeSource(true))
	con := connectHost(t, socket)

	q := con.NewQuery()
	defer q.Close()

	if _, err := q.Create(sqlil.QueryTypeSelect, "people", "t1"); err != nil {
		t.Fatal(err)
	}

	explain, err := q.Explain(true)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal(explain, &out); err != nil {
		t.Fatalf("explain json: %v", err)
	}
	if out["entity"] != "people" {
		t.Errorf("explain: %+v", out)
	}
}

func TestTransactionCommit(t *testing.T) {
	src := newFakeSource(true)
	socket := startHost(t, src)
	con := connectHost(t, socket)

	coord := txn.NewCoordinator(log.New(log.Config{DefaultLevel: log.LevelOff}))

	if err := coord.BeginIfNeeded(con, true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Idempotent per data source.
	if err := coord.BeginIfNeeded(con, true); err != nil {
		t.Fatalf("second begin: %v", err)
	}

	if !coord.Active("people_db") {
		t.Error("transaction should be active")
	}

	if err := coord.PreCommit(); err != nil {
		t.Fatalf("pre-commit: %v", err)
	}

	begun, committed, rolledBack := src.counts()
	if begun != 1 || committed != 1 || rolledBack != 0 {
		t.Errorf("counts: begun=%d committed=%d rolledBack=%d", begun, committed, rolledBack)
	}

	if coord.Active("people_db") {
		t.Error("transaction should be resolved")
	}
}

func TestTransactionAbort(t *testing.T) {
	src := newFakeSource(true)
	socket := startHost(t, src)
	con := connectHost(t, socket)

	coord := txn.NewCoordinator(log.New(log.Config{DefaultLevel: log.LevelOff}))

	if err := coord.BeginIfNeeded(con, true); err != nil {
		t.Fatalf("begin: %v", err)
	}

	coord.Abort()

	begun, committed, rolledBack := src.counts()
	if begun != 1 || committed != 0 || rolledBack != 1 {
		t.Errorf("counts: begun=%d committed=%d rolledBack=%d", begun, committed, rolledBack)
	}
}

func TestTransactionsNotSupported(t *testing.T) {
	src := newFakeSource(false)
	socket := startHost(t, src)
	con := connectHost(t, socket)

	coord := txn.NewCoordinator(log.New(log.Config{DefaultLevel: log.LevelOff}))

	if err := coord.BeginIfNeeded(con, false); err != nil {
		t.Fatalf("begin on non-transactional source: %v", err)
	}
	if coord.Active("people_db") {
		t.Error("no transaction should be registered")
	}

	// Commit and abort are both no-ops.
	if err := coord.PreCommit(); err != nil {
		t.Fatalf("pre-commit: %v", err)
	}
	coord.Abort()
}

func TestSubTransactionRejectedWithActiveRemotes(t *testing.T) {
	src := newFakeSource(true)
	socket := startHost(t, src)
	con := connectHost(t, socket)

	coord := txn.NewCoordinator(log.New(log.Config{DefaultLevel: log.LevelOff}))

	if err := coord.SubTransaction(); err != nil {
		t.Errorf("sub-transaction without remotes should pass: %v", err)
	}

	if err := coord.BeginIfNeeded(con, true); err != nil {
		t.Fatal(err)
	}

	if err := coord.SubTransaction(); err == nil {
		t.Error("sub-transaction with active remotes should fail")
	}
	if err := coord.PrePrepare(); err == nil {
		t.Error("two-phase commit should fail")
	}

	coord.Abort()
}

func TestDisconnectRollsBackAbandonedTransaction(t *testing.T) {
	src := newFakeSource(true)
	socket := startHost(t, src)

	con, err := client.Connect(socket, "people_db", "token")
	if err != nil {
		t.Fatal(err)
	}

	supported, err := con.BeginTransaction()
	if err != nil || !supported {
		t.Fatalf("begin: supported=%v err=%v", supported, err)
	}

	// Drop the channel without resolving the transaction.
	con.Release()

	// The host sees the channel close and rolls back.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, rolledBack := src.counts()
		if rolledBack == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned transaction was not rolled back")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEstimateSize(t *testing.T) {
	socket := startHost(t, newFakeSource(true))
	con := connectHost(t, socket)

	res, err := con.EstimateSize("people")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if res.Cost.Rows == nil || *res.Cost.Rows != 3 {
		t.Errorf("cost: %+v", res.Cost)
	}
}
