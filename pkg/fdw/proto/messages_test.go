package proto

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

func clientRoundTrip(t *testing.T, m ClientMessage) ClientMessage {
	t.Helper()

	var buf bytes.Buffer
	if err := WriteClientMessage(&buf, m); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadClientMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return got
}

func serverRoundTrip(t *testing.T, m ServerMessage) ServerMessage {
	t.Helper()

	var buf bytes.Buffer
	if err := WriteServerMessage(&buf, m); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadServerMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return got
}

func TestClientMessageRoundTrip(t *testing.T) {
	where := sqlil.BinaryOp{
		Left:  sqlil.Attribute{EntityAlias: "t1", AttributeID: "name"},
		Op:    sqlil.BinaryOpEqual,
		Right: sqlil.Parameter{Type: data.Utf8String(), ID: 1},
	}

	tests := []struct {
		name string
		msg  ClientMessage
	}{
		{"auth", AuthDataSourceMsg("pets_db", "token123")},
		{"estimate_size", EstimateSizeMsg("people")},
		{"create", QueryMsg(0, ClientQueryMessage{
			Type:      QueryCreate,
			QueryType: sqlil.QueryTypeSelect,
			EntityID:  "people",
			Alias:     "t1",
		})},
		{"apply_where", QueryMsg(1, ClientQueryMessage{
			Type:      QueryApply,
			Operation: sqlil.AddWhere(where),
		})},
		{"apply_order_by", QueryMsg(1, ClientQueryMessage{
			Type: QueryApply,
			Operation: sqlil.AddOrderBy(sqlil.Ordering{
				Type: sqlil.OrderingDesc,
				Expr: sqlil.Attribute{EntityAlias: "t1", AttributeID: "id"},
			}),
		})},
		{"apply_limit", QueryMsg(2, ClientQueryMessage{
			Type:      QueryApply,
			Operation: sqlil.SetRowLimit(100),
		})},
		{"prepare", QueryMsg(0, ClientQueryMessage{Type: QueryPrepare})},
		{"write_params", QueryMsg(0, ClientQueryMessage{
			Type:   QueryWriteParams,
			Params: []byte{0x01, 0x00, 0x04, 'J', 'o', 'h', 'n', 0x00},
		})},
		{"execute", QueryMsg(0, ClientQueryMessage{Type: QueryExecute})},
		{"read", QueryMsg(0, ClientQueryMessage{Type: QueryRead, MaxBytes: 65536})},
		{"restart", QueryMsg(0, ClientQueryMessage{Type: QueryRestart})},
		{"explain", QueryMsg(0, ClientQueryMessage{Type: QueryExplain, Verbose: true})},
		{"begin", ClientMessage{Type: ClientBeginTransaction}},
		{"commit", ClientMessage{Type: ClientCommitTransaction}},
		{"rollback", ClientMessage{Type: ClientRollbackTransaction}},
		{"close", ClientMessage{Type: ClientClose}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clientRoundTrip(t, tt.msg)
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tt.msg)
			}
		})
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	rows := uint64(1000)
	width := uint32(32)
	affected := uint64(3)

	tests := []struct {
		name string
		msg  ServerMessage
	}{
		{"auth_accepted", ServerMessage{Type: ServerAuthAccepted}},
		{"estimated_size", ServerMessage{
			Type: ServerEstimatedSizeResult,
			Cost: connector.OperationCost{Rows: &rows, RowWidth: &width},
		}},
		{"created", QueryResponse(ServerQueryMessage{
			Type: QueryCreated,
			Cost: connector.RowsCost(500),
		})},
		{"op_remote", QueryResponse(ServerQueryMessage{
			Type:   QueryOperationResultMsg,
			Result: connector.PerformedRemotely(connector.RowsCost(10)),
		})},
		{"op_local", QueryResponse(ServerQueryMessage{
			Type:   QueryOperationResultMsg,
			Result: connector.PerformedLocally(),
		})},
		{"op_unsupported", QueryResponse(ServerQueryMessage{
			Type:   QueryOperationResultMsg,
			Result: connector.OperationUnsupported(),
		})},
		{"prepared", QueryResponse(ServerQueryMessage{
			Type: QueryPrepared,
			InputStructure: data.NewQueryInputStructure(
				data.QueryInputParam{ID: 1, Type: data.Utf8String()},
				data.QueryInputParam{ID: 2, Type: data.Int64()},
			),
		})},
		{"params_written", QueryResponse(ServerQueryMessage{Type: QueryParamsWritten})},
		{"executed", QueryResponse(ServerQueryMessage{
			Type: QueryExecuted,
			RowStructure: connector.RowStructure{Cols: []connector.RowColumn{
				{Name: "c0", Type: data.Utf8String()},
			}},
		})},
		{"executed_modify", QueryResponse(ServerQueryMessage{
			Type:         QueryExecutedModify,
			AffectedRows: &affected,
		})},
		{"executed_modify_unknown", QueryResponse(ServerQueryMessage{
			Type: QueryExecutedModify,
		})},
		{"result_data", QueryResponse(ServerQueryMessage{
			Type: QueryResultData,
			Data: []byte{0x01, 0x02, 0x03},
		})},
		{"restarted", QueryResponse(ServerQueryMessage{Type: QueryRestarted})},
		{"explained", QueryResponse(ServerQueryMessage{
			Type:    QueryExplained,
			Explain: []byte(`{"sql":"SELECT 1"}`),
		})},
		{"txn_begun", ServerMessage{Type: ServerTransactionBegun}},
		{"txn_not_supported", ServerMessage{Type: ServerTransactionsNotSupported}},
		{"txn_committed", ServerMessage{Type: ServerTransactionCommitted}},
		{"txn_rolled_back", ServerMessage{Type: ServerTransactionRolledBack}},
		{"generic_error", GenericErrorMsg("source exploded")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serverRoundTrip(t, tt.msg)
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tt.msg)
			}
		})
	}
}

func TestReadClientMessageUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	// length 1, tag 0xff
	buf.Write([]byte{0x01, 0x00, 0x00, 0x00, 0xff})

	if _, err := ReadClientMessage(&buf); err == nil {
		t.Error("unknown tag should fail")
	}
}

func TestReadClientMessageZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x00})

	if _, err := ReadClientMessage(&buf); err == nil {
		t.Error("zero-length frame should fail")
	}
}
