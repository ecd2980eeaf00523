package server

import (
	"context"
	"io"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/fdw/proto"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// slotState tracks the query-slot lifecycle.
type slotState int

const (
	statePlanning slotState = iota
	statePrepared
	stateExecuting
	stateDrained
	stateClosed
)

func (s slotState) String() string {
	switch s {
	case statePlanning:
		return "planning"
	case statePrepared:
		return "prepared"
	case stateExecuting:
		return "executing"
	case stateDrained:
		return "drained"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// slot owns one query through Planning, Prepared, Executing, Drained,
// Closed.
type slot struct {
	id      uint32
	srcConn connector.Connection

	state   slotState
	query   sqlil.Query
	handle  connector.QueryHandle
	results connector.ResultSet
}

func newSlot(id uint32, srcConn connector.Connection, query sqlil.Query) *slot {
	return &slot{
		id:      id,
		srcConn: srcConn,
		state:   statePlanning,
		query:   query,
	}
}

func (s *slot) stateErr(op string) error {
	return errors.Newf(errors.ErrCodeExecState,
		"cannot %s in %s state", op, s.state).Err()
}

// handleMessage processes one slot-scoped request.
func (s *slot) handleMessage(q *proto.ClientQueryMessage) (*proto.ServerQueryMessage, error) {
	switch q.Type {
	case proto.QueryApply:
		return s.apply(q.Operation)
	case proto.QueryPrepare:
		return s.prepare()
	case proto.QueryWriteParams:
		return s.writeParams(q.Params)
	case proto.QueryExecute:
		return s.execute()
	case proto.QueryRead:
		return s.read(q.MaxBytes)
	case proto.QueryRestart:
		return s.restart()
	case proto.QueryExplain:
		return s.explain(q.Verbose)
	case proto.QueryClose:
		s.close()
		return &proto.ServerQueryMessage{Type: proto.QueryClosed}, nil
	default:
		return nil, errors.Newf(errors.ErrCodeUnexpectedMsg,
			"unexpected query message type %d", q.Type).Err()
	}
}

func (s *slot) apply(op sqlil.QueryOperation) (*proto.ServerQueryMessage, error) {
	if s.state != statePlanning {
		return nil, s.stateErr("apply operation")
	}

	res, err := s.srcConn.Planner().ApplyOperation(context.Background(), &s.query, op)
	if err != nil {
		return nil, err
	}

	return &proto.ServerQueryMessage{
		Type:   proto.QueryOperationResultMsg,
		Result: res,
	}, nil
}

func (s *slot) prepare() (*proto.ServerQueryMessage, error) {
	if s.state != statePlanning {
		return nil, s.stateErr("prepare")
	}

	native, err := s.srcConn.Compiler().CompileQuery(context.Background(), s.query)
	if err != nil {
		return nil, err
	}

	handle, err := s.srcConn.Prepare(context.Background(), native)
	if err != nil {
		return nil, err
	}

	s.handle = handle
	s.state = statePrepared

	return &proto.ServerQueryMessage{
		Type:           proto.QueryPrepared,
		InputStructure: handle.InputStructure(),
	}, nil
}

func (s *slot) writeParams(params []byte) (*proto.ServerQueryMessage, error) {
	if s.state != statePrepared {
		return nil, s.stateErr("write params")
	}

	if _, err := s.handle.Write(params); err != nil {
		return nil, err
	}

	return &proto.ServerQueryMessage{Type: proto.QueryParamsWritten}, nil
}

func (s *slot) execute() (*proto.ServerQueryMessage, error) {
	if s.state != statePrepared {
		return nil, s.stateErr("execute")
	}

	if s.query.Type == sqlil.QueryTypeSelect {
		results, err := s.handle.ExecuteQuery(context.Background())
		if err != nil {
			return nil, err
		}

		s.results = results
		s.state = stateExecuting

		return &proto.ServerQueryMessage{
			Type:         proto.QueryExecuted,
			RowStructure: results.RowStructure(),
		}, nil
	}

	affected, err := s.handle.ExecuteModify(context.Background())
	if err != nil {
		return nil, err
	}

	s.state = stateDrained

	return &proto.ServerQueryMessage{
		Type:         proto.QueryExecutedModify,
		AffectedRows: affected,
	}, nil
}

func (s *slot) read(maxBytes uint32) (*proto.ServerQueryMessage, error) {
	if s.state != stateExecuting && s.state != stateDrained {
		return nil, s.stateErr("read")
	}

	// Reads after EOF keep answering EOF.
	if s.state == stateDrained || s.results == nil {
		return &proto.ServerQueryMessage{Type: proto.QueryResultData}, nil
	}

	if maxBytes == 0 || maxBytes > 1<<20 {
		maxBytes = 1 << 20
	}

	buf := make([]byte, maxBytes)
	n, err := s.results.Read(buf)
	if err == io.EOF || (err == nil && n == 0) {
		s.state = stateDrained
		return &proto.ServerQueryMessage{Type: proto.QueryResultData, Data: buf[:n]}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExecFailed,
			"failed to read query results").Err()
	}

	return &proto.ServerQueryMessage{Type: proto.QueryResultData, Data: buf[:n]}, nil
}

func (s *slot) restart() (*proto.ServerQueryMessage, error) {
	if s.state != statePrepared && s.state != stateExecuting && s.state != stateDrained {
		return nil, s.stateErr("restart")
	}

	if s.results != nil {
		s.results.Close()
		s.results = nil
	}

	if err := s.handle.Restart(); err != nil {
		return nil, err
	}

	s.state = statePrepared
	return &proto.ServerQueryMessage{Type: proto.QueryRestarted}, nil
}

func (s *slot) explain(verbose bool) (*proto.ServerQueryMessage, error) {
	explain, err := s.srcConn.Planner().Explain(context.Background(), s.query, verbose)
	if err != nil {
		return nil, err
	}

	return &proto.ServerQueryMessage{
		Type:    proto.QueryExplained,
		Explain: explain,
	}, nil
}

// close releases handle and results; idempotent.
func (s *slot) close() {
	if s.state == stateClosed {
		return
	}

	if s.results != nil {
		s.results.Close()
		s.results = nil
	}
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}

	s.state = stateClosed
}
