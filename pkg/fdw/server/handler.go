package server

import (
	"context"
	"io"
	"net"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/fdw/proto"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/metrics"
)

// handler serves one FDW client channel. Messages are processed one at a
// time; the response to each request is written before the next request is
// read.
type handler struct {
	srv    *Server
	conn   net.Conn
	logger *log.Logger

	authed  bool
	source  *DataSource
	role    string
	srcConn connector.Connection
	txnOpen bool

	slots map[uint32]*slot
}

func newHandler(s *Server, conn net.Conn) *handler {
	return &handler{
		srv:    s,
		conn:   conn,
		logger: s.logger,
		slots:  make(map[uint32]*slot),
	}
}

func (h *handler) run() {
	metrics.FdwChannels.Inc()
	defer metrics.FdwChannels.Dec()
	defer h.cleanup()

	for {
		msg, err := proto.ReadClientMessage(h.conn)
		if err != nil {
			if err != io.EOF {
				h.logger.Protocol().Debug("fdw channel read failed", "error", err.Error())
			}
			return
		}

		if msg.Type == proto.ClientClose {
			return
		}

		res, fatal := h.dispatch(msg)
		if res != nil {
			if err := proto.WriteServerMessage(h.conn, *res); err != nil {
				h.logger.Protocol().Debug("fdw channel write failed", "error", err.Error())
				return
			}
		}
		if fatal {
			return
		}
	}
}

// dispatch handles one request. The returned bool reports a fatal condition
// that closes the channel after the response is written.
func (h *handler) dispatch(msg proto.ClientMessage) (*proto.ServerMessage, bool) {
	// The first message on the channel must authenticate the data source.
	if !h.authed {
		if msg.Type != proto.ClientAuthDataSource {
			res := proto.GenericErrorMsg("not authenticated")
			return &res, true
		}
		res := h.handleAuth(msg)
		return &res, res.Type == proto.ServerGenericError
	}

	var res proto.ServerMessage

	switch msg.Type {
	case proto.ClientAuthDataSource:
		res = proto.GenericErrorMsg("already authenticated")

	case proto.ClientEstimateSize:
		res = h.handleEstimateSize(msg.EntityID)

	case proto.ClientQuery:
		res = h.handleQuery(msg.QueryID, msg.Query)

	case proto.ClientBeginTransaction:
		res = h.handleBegin()

	case proto.ClientCommitTransaction:
		res = h.handleCommit()

	case proto.ClientRollbackTransaction:
		res = h.handleRollback()

	default:
		res = proto.GenericErrorMsg("unexpected message")
	}

	return &res, false
}

func (h *handler) handleAuth(msg proto.ClientMessage) proto.ServerMessage {
	source, ok := h.srv.Source(msg.DataSourceID)
	if !ok {
		h.logger.Audit().Warn("fdw auth for unknown data source",
			"data_source", msg.DataSourceID)
		return proto.GenericErrorMsg("unknown data source: " + msg.DataSourceID)
	}

	role, err := h.srv.validate(msg.DataSourceID, msg.AuthToken)
	if err != nil {
		h.logger.Audit().Warn("fdw auth rejected",
			"data_source", msg.DataSourceID, "error", err.Error())
		return proto.GenericErrorMsg("authentication failed")
	}

	conn, err := source.Pool.Acquire(context.Background(), role)
	if err != nil {
		h.logger.Query().Error("failed to acquire source connection", err,
			"data_source", msg.DataSourceID)
		return proto.GenericErrorMsg(err.Error())
	}

	h.authed = true
	h.source = source
	h.role = role
	h.srcConn = conn

	h.logger.Audit().Debug("fdw channel authenticated",
		"data_source", msg.DataSourceID, "role", role)

	return proto.ServerMessage{Type: proto.ServerAuthAccepted}
}

func (h *handler) handleEstimateSize(entityID string) proto.ServerMessage {
	entity, ok := h.source.Entities.Get(entityID)
	if !ok {
		return proto.GenericErrorMsg("unknown entity: " + entityID)
	}

	cost, err := h.srcConn.Planner().EstimateSize(context.Background(), entity)
	if err != nil {
		return proto.GenericErrorMsg(err.Error())
	}

	return proto.ServerMessage{Type: proto.ServerEstimatedSizeResult, Cost: cost}
}

func (h *handler) handleQuery(queryID uint32, q *proto.ClientQueryMessage) proto.ServerMessage {
	if q == nil {
		return proto.GenericErrorMsg("malformed query message")
	}

	if q.Type == proto.QueryCreate {
		return h.handleCreate(queryID, q)
	}

	s, ok := h.slots[queryID]
	if !ok {
		return proto.GenericErrorMsg("no such query")
	}

	res, err := s.handleMessage(q)
	if err != nil {
		// Execution errors break the slot; planning errors leave it usable.
		if s.state == stateExecuting || errors.IsCategory(err, "execution") {
			s.close()
			delete(h.slots, queryID)
		}
		return proto.GenericErrorMsg(err.Error())
	}

	if s.state == stateClosed {
		delete(h.slots, queryID)
	}

	return proto.QueryResponse(*res)
}

func (h *handler) handleCreate(queryID uint32, q *proto.ClientQueryMessage) proto.ServerMessage {
	if _, exists := h.slots[queryID]; exists {
		return proto.GenericErrorMsg("query id already in use")
	}

	entity, ok := h.source.Entities.Get(q.EntityID)
	if !ok {
		return proto.GenericErrorMsg("unknown entity: " + q.EntityID)
	}

	cost, query, err := h.srcConn.Planner().CreateBaseQuery(
		context.Background(), entity, q.Alias, q.QueryType)
	if err != nil {
		return proto.GenericErrorMsg(err.Error())
	}

	h.slots[queryID] = newSlot(queryID, h.srcConn, query)

	metrics.FdwQueries.WithLabelValues(h.source.ID, q.QueryType.String()).Inc()

	h.logger.Query().Debug("query slot created",
		"data_source", h.source.ID,
		"entity", q.EntityID,
		"query_type", q.QueryType.String(),
		"query_id", queryID)

	return proto.QueryResponse(proto.ServerQueryMessage{
		Type: proto.QueryCreated,
		Cost: cost,
	})
}

func (h *handler) handleBegin() proto.ServerMessage {
	tm := h.srcConn.Transactions()
	if tm == nil {
		return proto.ServerMessage{Type: proto.ServerTransactionsNotSupported}
	}

	if err := tm.BeginTransaction(context.Background()); err != nil {
		return proto.GenericErrorMsg(err.Error())
	}

	h.txnOpen = true
	return proto.ServerMessage{Type: proto.ServerTransactionBegun}
}

func (h *handler) handleCommit() proto.ServerMessage {
	tm := h.srcConn.Transactions()
	if tm == nil || !h.txnOpen {
		return proto.GenericErrorMsg("no transaction in progress")
	}

	if err := tm.CommitTransaction(context.Background()); err != nil {
		return proto.GenericErrorMsg(err.Error())
	}

	h.txnOpen = false
	return proto.ServerMessage{Type: proto.ServerTransactionCommitted}
}

func (h *handler) handleRollback() proto.ServerMessage {
	tm := h.srcConn.Transactions()
	if tm == nil || !h.txnOpen {
		return proto.GenericErrorMsg("no transaction in progress")
	}

	if err := tm.RollbackTransaction(context.Background()); err != nil {
		return proto.GenericErrorMsg(err.Error())
	}

	h.txnOpen = false
	return proto.ServerMessage{Type: proto.ServerTransactionRolledBack}
}

// cleanup runs when the channel closes for any reason: slots are released
// and any remote transaction left open by a dying backend is rolled back.
func (h *handler) cleanup() {
	for id, s := range h.slots {
		s.close()
		delete(h.slots, id)
	}

	if h.txnOpen {
		if tm := h.srcConn.Transactions(); tm != nil {
			if err := tm.RollbackTransaction(context.Background()); err != nil {
				h.logger.Query().Error("failed to rollback abandoned transaction", err,
					"data_source", h.source.ID)
			} else {
				h.logger.Query().Warn("rolled back transaction abandoned by backend",
					"data_source", h.source.ID)
			}
		}
		h.txnOpen = false
	}

	if h.srcConn != nil {
		if err := h.srcConn.Close(); err != nil {
			h.logger.Query().Error("failed to release source connection", err)
		}
	}

	h.conn.Close()
}
