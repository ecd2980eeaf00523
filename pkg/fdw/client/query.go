package client

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/fdw/proto"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// defaultReadChunk is the max_bytes requested per Read round trip.
const defaultReadChunk = 64 * 1024

// Query drives one query slot on the FDW host through its lifecycle:
// Planning, Prepared, Executing, Drained, Closed.
type Query struct {
	con *Connection
	id  uint32

	mu       sync.Mutex
	closed   bool
	input    data.QueryInputStructure
	rowStruc connector.RowStructure

	// Read buffering
	pending []byte
	eof     bool
}

// ID returns the slot id local to the connection.
func (q *Query) ID() uint32 {
	return q.id
}

func (q *Query) send(m proto.ClientQueryMessage) (*proto.ServerQueryMessage, error) {
	res, err := q.con.Send(proto.QueryMsg(q.id, m))
	if err != nil {
		return nil, err
	}
	if res.Type != proto.ServerQuery || res.Query == nil {
		return nil, errors.Newf(errors.ErrCodeUnexpectedMsg,
			"unexpected response to query message: %d", res.Type).Err()
	}
	return res.Query, nil
}

// Create initialises the base operator tree for the entity on the host and
// returns the base cost.
func (q *Query) Create(qt sqlil.QueryType, entityID, alias string) (connector.OperationCost, error) {
	res, err := q.send(proto.ClientQueryMessage{
		Type:      proto.QueryCreate,
		QueryType: qt,
		EntityID:  entityID,
		Alias:     alias,
	})
	if err != nil {
		return connector.OperationCost{}, err
	}
	if res.Type != proto.QueryCreated {
		return connector.OperationCost{}, unexpectedQueryResponse(res.Type)
	}
	return res.Cost, nil
}

// Apply probes one accretive operation against the connector's planner.
func (q *Query) Apply(op sqlil.QueryOperation) (connector.QueryOperationResult, error) {
	res, err := q.send(proto.ClientQueryMessage{Type: proto.QueryApply, Operation: op})
	if err != nil {
		return connector.QueryOperationResult{}, err
	}
	if res.Type != proto.QueryOperationResultMsg {
		return connector.QueryOperationResult{}, unexpectedQueryResponse(res.Type)
	}
	return res.Result, nil
}

// Prepare freezes the operator tree and returns the input structure.
func (q *Query) Prepare() (data.QueryInputStructure, error) {
	res, err := q.send(proto.ClientQueryMessage{Type: proto.QueryPrepare})
	if err != nil {
		return data.QueryInputStructure{}, err
	}
	if res.Type != proto.QueryPrepared {
		return data.QueryInputStructure{}, unexpectedQueryResponse(res.Type)
	}

	q.mu.Lock()
	q.input = res.InputStructure
	q.mu.Unlock()

	return res.InputStructure, nil
}

// InputStructure returns the structure from the last Prepare.
func (q *Query) InputStructure() data.QueryInputStructure {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.input
}

// WriteParams streams framed parameter bytes to the host.
func (q *Query) WriteParams(p []byte) (int, error) {
	res, err := q.send(proto.ClientQueryMessage{Type: proto.QueryWriteParams, Params: p})
	if err != nil {
		return 0, err
	}
	if res.Type != proto.QueryParamsWritten {
		return 0, unexpectedQueryResponse(res.Type)
	}
	return len(p), nil
}

// Write implements io.Writer over WriteParams.
func (q *Query) Write(p []byte) (int, error) {
	return q.WriteParams(p)
}

// Execute runs the prepared query, returning the result row structure.
func (q *Query) Execute() (connector.RowStructure, error) {
	res, err := q.send(proto.ClientQueryMessage{Type: proto.QueryExecute})
	if err != nil {
		return connector.RowStructure{}, err
	}
	if res.Type != proto.QueryExecuted {
		return connector.RowStructure{}, unexpectedQueryResponse(res.Type)
	}

	q.mu.Lock()
	q.rowStruc = res.RowStructure
	q.pending = nil
	q.eof = false
	q.mu.Unlock()

	return res.RowStructure, nil
}

// ExecuteModify runs a prepared DML query, returning the affected row
// count, or nil when the source cannot report one.
func (q *Query) ExecuteModify() (*uint64, error) {
	res, err := q.send(proto.ClientQueryMessage{Type: proto.QueryExecute})
	if err != nil {
		return nil, err
	}
	if res.Type != proto.QueryExecutedModify {
		return nil, unexpectedQueryResponse(res.Type)
	}
	return res.AffectedRows, nil
}

// RowStructure returns the structure from the last Execute.
func (q *Query) RowStructure() connector.RowStructure {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rowStruc
}

// Read implements io.Reader over the framed result stream. An empty
// ResultData response denotes EOF.
func (q *Query) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 {
		if q.eof {
			return 0, io.EOF
		}

		res, err := q.sendLocked(proto.ClientQueryMessage{
			Type:     proto.QueryRead,
			MaxBytes: defaultReadChunk,
		})
		if err != nil {
			return 0, err
		}
		if res.Type != proto.QueryResultData {
			return 0, unexpectedQueryResponse(res.Type)
		}
		if len(res.Data) == 0 {
			q.eof = true
			return 0, io.EOF
		}
		q.pending = res.Data
	}

	n := copy(p, q.pending)
	q.pending = q.pending[n:]
	return n, nil
}

// sendLocked is send without re-taking q.mu; callers hold the lock.
func (q *Query) sendLocked(m proto.ClientQueryMessage) (*proto.ServerQueryMessage, error) {
	res, err := q.con.Send(proto.QueryMsg(q.id, m))
	if err != nil {
		return nil, err
	}
	if res.Type != proto.ServerQuery || res.Query == nil {
		return nil, errors.Newf(errors.ErrCodeUnexpectedMsg,
			"unexpected response to query message: %d", res.Type).Err()
	}
	return res.Query, nil
}

// ReadRows wraps the result stream with a typed row decoder.
func (q *Query) ReadRows() *connector.ResultReader {
	return connector.NewResultReader(q, q.RowStructure())
}

// Restart returns the query to the prepared state, clearing streamed input
// both locally and on the remote handle.
func (q *Query) Restart() error {
	res, err := q.send(proto.ClientQueryMessage{Type: proto.QueryRestart})
	if err != nil {
		return err
	}
	if res.Type != proto.QueryRestarted {
		return unexpectedQueryResponse(res.Type)
	}

	q.mu.Lock()
	q.pending = nil
	q.eof = false
	q.mu.Unlock()

	return nil
}

// Explain returns the connector's JSON representation of the query state.
func (q *Query) Explain(verbose bool) (json.RawMessage, error) {
	res, err := q.send(proto.ClientQueryMessage{Type: proto.QueryExplain, Verbose: verbose})
	if err != nil {
		return nil, err
	}
	if res.Type != proto.QueryExplained {
		return nil, unexpectedQueryResponse(res.Type)
	}
	return res.Explain, nil
}

// Close frees the slot on the host and releases the connection reference.
func (q *Query) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	var errs []error
	if !q.con.Broken() {
		if _, err := q.send(proto.ClientQueryMessage{Type: proto.QueryClose}); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, q.con.Release())
	return errors.Join(errs...)
}

func unexpectedQueryResponse(t proto.ServerQueryMessageType) error {
	return errors.Newf(errors.ErrCodeUnexpectedMsg,
		"unexpected query response type: %d", t).Err()
}
