package proto

import (
	"encoding/json"
	"io"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// ClientMessageType tags messages sent from the FDW client (inside a
// postgres backend) to the FDW host.
type ClientMessageType uint8

const (
	ClientAuthDataSource ClientMessageType = iota + 1
	ClientEstimateSize
	ClientQuery
	ClientBeginTransaction
	ClientCommitTransaction
	ClientRollbackTransaction
	ClientClose
)

// ClientQueryMessageType tags per-query-slot client messages.
type ClientQueryMessageType uint8

const (
	QueryCreate ClientQueryMessageType = iota + 1
	QueryApply
	QueryPrepare
	QueryWriteParams
	QueryExecute
	QueryRead
	QueryRestart
	QueryExplain
	QueryClose
)

// ClientMessage is one request frame from client to host.
type ClientMessage struct {
	Type ClientMessageType

	// AuthDataSource
	DataSourceID string
	AuthToken    string

	// EstimateSize
	EntityID string

	// Query
	QueryID uint32
	Query   *ClientQueryMessage
}

// ClientQueryMessage is the slot-scoped request payload.
type ClientQueryMessage struct {
	Type ClientQueryMessageType

	// Create
	QueryType sqlil.QueryType
	EntityID  string
	Alias     string

	// Apply
	Operation sqlil.QueryOperation

	// WriteParams
	Params []byte

	// Read
	MaxBytes uint32

	// Explain
	Verbose bool
}

// ServerMessageType tags responses from the FDW host.
type ServerMessageType uint8

const (
	ServerAuthAccepted ServerMessageType = iota + 1
	ServerEstimatedSizeResult
	ServerQuery
	ServerTransactionBegun
	ServerTransactionsNotSupported
	ServerTransactionCommitted
	ServerTransactionRolledBack
	ServerGenericError
)

// ServerQueryMessageType tags slot-scoped responses.
type ServerQueryMessageType uint8

const (
	QueryCreated ServerQueryMessageType = iota + 1
	QueryOperationResultMsg
	QueryPrepared
	QueryParamsWritten
	QueryExecuted
	QueryExecutedModify
	QueryResultData
	QueryRestarted
	QueryExplained
	QueryClosed
)

// ServerMessage is one response frame from host to client.
type ServerMessage struct {
	Type ServerMessageType

	// EstimatedSizeResult
	Cost connector.OperationCost

	// Query
	Query *ServerQueryMessage

	// GenericError
	Error string
}

// ServerQueryMessage is the slot-scoped response payload.
type ServerQueryMessage struct {
	Type ServerQueryMessageType

	// Created
	Cost connector.OperationCost

	// OperationResult
	Result connector.QueryOperationResult

	// Prepared
	InputStructure data.QueryInputStructure

	// Executed
	RowStructure connector.RowStructure

	// ExecutedModify; nil when the source cannot report a count.
	AffectedRows *uint64

	// ResultData; empty denotes EOF.
	Data []byte

	// Explained
	Explain json.RawMessage
}

// Convenience constructors

func AuthDataSourceMsg(dataSourceID, authToken string) ClientMessage {
	return ClientMessage{Type: ClientAuthDataSource, DataSourceID: dataSourceID, AuthToken: authToken}
}

func EstimateSizeMsg(entityID string) ClientMessage {
	return ClientMessage{Type: ClientEstimateSize, EntityID: entityID}
}

func QueryMsg(queryID uint32, q ClientQueryMessage) ClientMessage {
	return ClientMessage{Type: ClientQuery, QueryID: queryID, Query: &q}
}

func GenericErrorMsg(msg string) ServerMessage {
	return ServerMessage{Type: ServerGenericError, Error: msg}
}

func QueryResponse(q ServerQueryMessage) ServerMessage {
	return ServerMessage{Type: ServerQuery, Query: &q}
}

// Encoding

// WriteClientMessage frames and writes a client message.
func WriteClientMessage(dst io.Writer, m ClientMessage) error {
	w := &writer{}
	w.u8(uint8(m.Type))

	switch m.Type {
	case ClientAuthDataSource:
		w.str(m.DataSourceID)
		w.str(m.AuthToken)

	case ClientEstimateSize:
		w.str(m.EntityID)

	case ClientQuery:
		w.u32(m.QueryID)
		if m.Query == nil {
			return errors.New(errors.ErrCodeInternal, "query message missing payload").Err()
		}
		q := m.Query
		w.u8(uint8(q.Type))
		switch q.Type {
		case QueryCreate:
			w.u8(uint8(q.QueryType))
			w.str(q.EntityID)
			w.str(q.Alias)
		case QueryApply:
			if err := w.queryOperation(q.Operation); err != nil {
				return err
			}
		case QueryWriteParams:
			w.bytes(q.Params)
		case QueryRead:
			w.u32(q.MaxBytes)
		case QueryExplain:
			w.boolean(q.Verbose)
		case QueryPrepare, QueryExecute, QueryRestart, QueryClose:
			// No payload.
		default:
			return errors.Newf(errors.ErrCodeInternal,
				"cannot encode query message type %d", q.Type).Err()
		}

	case ClientBeginTransaction, ClientCommitTransaction, ClientRollbackTransaction, ClientClose:
		// No payload.

	default:
		return errors.Newf(errors.ErrCodeInternal,
			"cannot encode client message type %d", m.Type).Err()
	}

	return writeFrame(dst, w.buf)
}

// ReadClientMessage reads and decodes one client message.
func ReadClientMessage(src io.Reader) (ClientMessage, error) {
	payload, err := readFrame(src)
	if err != nil {
		return ClientMessage{}, err
	}

	r := &reader{buf: payload}
	t, err := r.u8()
	if err != nil {
		return ClientMessage{}, err
	}

	m := ClientMessage{Type: ClientMessageType(t)}

	switch m.Type {
	case ClientAuthDataSource:
		if m.DataSourceID, err = r.str(); err != nil {
			return m, err
		}
		if m.AuthToken, err = r.str(); err != nil {
			return m, err
		}

	case ClientEstimateSize:
		if m.EntityID, err = r.str(); err != nil {
			return m, err
		}

	case ClientQuery:
		if m.QueryID, err = r.u32(); err != nil {
			return m, err
		}
		qt, err := r.u8()
		if err != nil {
			return m, err
		}
		q := &ClientQueryMessage{Type: ClientQueryMessageType(qt)}
		switch q.Type {
		case QueryCreate:
			kind, err := r.u8()
			if err != nil {
				return m, err
			}
			q.QueryType = sqlil.QueryType(kind)
			if q.EntityID, err = r.str(); err != nil {
				return m, err
			}
			if q.Alias, err = r.str(); err != nil {
				return m, err
			}
		case QueryApply:
			if q.Operation, err = r.queryOperation(); err != nil {
				return m, err
			}
		case QueryWriteParams:
			if q.Params, err = r.bytes(); err != nil {
				return m, err
			}
		case QueryRead:
			if q.MaxBytes, err = r.u32(); err != nil {
				return m, err
			}
		case QueryExplain:
			if q.Verbose, err = r.boolean(); err != nil {
				return m, err
			}
		case QueryPrepare, QueryExecute, QueryRestart, QueryClose:
			// No payload.
		default:
			return m, errors.Newf(errors.ErrCodeProtocolError,
				"unknown query message type %d", qt).Err()
		}
		m.Query = q

	case ClientBeginTransaction, ClientCommitTransaction, ClientRollbackTransaction, ClientClose:
		// No payload.

	default:
		return m, errors.Newf(errors.ErrCodeProtocolError,
			"unknown client message type %d", t).Err()
	}

	return m, nil
}

// WriteServerMessage frames and writes a server message.
func WriteServerMessage(dst io.Writer, m ServerMessage) error {
	w := &writer{}
	w.u8(uint8(m.Type))

	switch m.Type {
	case ServerEstimatedSizeResult:
		w.operationCost(m.Cost)

	case ServerQuery:
		if m.Query == nil {
			return errors.New(errors.ErrCodeInternal, "query response missing payload").Err()
		}
		q := m.Query
		w.u8(uint8(q.Type))
		switch q.Type {
		case QueryCreated:
			w.operationCost(q.Cost)
		case QueryOperationResultMsg:
			w.operationResult(q.Result)
		case QueryPrepared:
			w.inputStructure(q.InputStructure)
		case QueryExecuted:
			w.rowStructure(q.RowStructure)
		case QueryExecutedModify:
			w.optU64(q.AffectedRows)
		case QueryResultData:
			w.bytes(q.Data)
		case QueryExplained:
			w.bytes(q.Explain)
		case QueryParamsWritten, QueryRestarted, QueryClosed:
			// No payload.
		default:
			return errors.Newf(errors.ErrCodeInternal,
				"cannot encode query response type %d", q.Type).Err()
		}

	case ServerGenericError:
		w.str(m.Error)

	case ServerAuthAccepted, ServerTransactionBegun, ServerTransactionsNotSupported,
		ServerTransactionCommitted, ServerTransactionRolledBack:
		// No payload.

	default:
		return errors.Newf(errors.ErrCodeInternal,
			"cannot encode server message type %d", m.Type).Err()
	}

	return writeFrame(dst, w.buf)
}

// ReadServerMessage reads and decodes one server message.
func ReadServerMessage(src io.Reader) (ServerMessage, error) {
	payload, err := readFrame(src)
	if err != nil {
		return ServerMessage{}, err
	}

	r := &reader{buf: payload}
	t, err := r.u8()
	if err != nil {
		return ServerMessage{}, err
	}

	m := ServerMessage{Type: ServerMessageType(t)}

	switch m.Type {
	case ServerEstimatedSizeResult:
		if m.Cost, err = r.operationCost(); err != nil {
			return m, err
		}

	case ServerQuery:
		qt, err := r.u8()
		if err != nil {
			return m, err
		}
		q := &ServerQueryMessage{Type: ServerQueryMessageType(qt)}
		switch q.Type {
		case QueryCreated:
			if q.Cost, err = r.operationCost(); err != nil {
				return m, err
			}
		case QueryOperationResultMsg:
			if q.Result, err = r.operationResult(); err != nil {
				return m, err
			}
		case QueryPrepared:
			if q.InputStructure, err = r.inputStructure(); err != nil {
				return m, err
			}
		case QueryExecuted:
			if q.RowStructure, err = r.rowStructure(); err != nil {
				return m, err
			}
		case QueryExecutedModify:
			if q.AffectedRows, err = r.optU64(); err != nil {
				return m, err
			}
		case QueryResultData:
			if q.Data, err = r.bytes(); err != nil {
				return m, err
			}
		case QueryExplained:
			b, err := r.bytes()
			if err != nil {
				return m, err
			}
			q.Explain = json.RawMessage(b)
		case QueryParamsWritten, QueryRestarted, QueryClosed:
			// No payload.
		default:
			return m, errors.Newf(errors.ErrCodeProtocolError,
				"unknown query response type %d", qt).Err()
		}
		m.Query = q

	case ServerGenericError:
		if m.Error, err = r.str(); err != nil {
			return m, err
		}

	case ServerAuthAccepted, ServerTransactionBegun, ServerTransactionsNotSupported,
		ServerTransactionCommitted, ServerTransactionRolledBack:
		// No payload.

	default:
		return m, errors.Newf(errors.ErrCodeProtocolError,
			"unknown server message type %d", t).Err()
	}

	return m, nil
}
