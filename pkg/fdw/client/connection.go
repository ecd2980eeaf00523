package client

import (
	"sync"
	"sync/atomic"

	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/fdw/proto"
)

// Connection is an authenticated FDW session shared between the query slots
// that opened it and the transaction coordinator. The underlying channel is
// closed when the last strong reference is released.
type Connection struct {
	// DataSourceID identifies the data source this session is bound to.
	DataSourceID string

	ch   *Channel
	refs int32

	mu     sync.Mutex
	nextID uint32
}

// Connect dials the host and authenticates the data-source session. The
// returned connection holds one reference.
func Connect(socketPath, dataSourceID, authToken string) (*Connection, error) {
	ch, err := Dial(socketPath)
	if err != nil {
		return nil, err
	}

	res, err := ch.Send(proto.AuthDataSourceMsg(dataSourceID, authToken))
	if err != nil {
		ch.Close()
		return nil, err
	}
	if res.Type != proto.ServerAuthAccepted {
		ch.Close()
		return nil, errors.Newf(errors.ErrCodeNotAuthenticated,
			"unexpected response to data source auth: %d", res.Type).Err()
	}

	return &Connection{DataSourceID: dataSourceID, ch: ch, refs: 1}, nil
}

// Retain takes an additional strong reference.
func (c *Connection) Retain() *Connection {
	atomic.AddInt32(&c.refs, 1)
	return c
}

// Release drops one reference, closing the channel when the last is gone.
func (c *Connection) Release() error {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		return c.ch.Close()
	}
	return nil
}

// Send forwards a raw message over the channel.
func (c *Connection) Send(req proto.ClientMessage) (proto.ServerMessage, error) {
	return c.ch.Send(req)
}

// Broken reports whether the underlying channel has failed.
func (c *Connection) Broken() bool {
	return c.ch.Broken()
}

// EstimateSize asks the host for the entity's size estimate.
func (c *Connection) EstimateSize(entityID string) (res proto.ServerMessage, err error) {
	return c.ch.Send(proto.EstimateSizeMsg(entityID))
}

// BeginTransaction starts a remote transaction. The second return reports
// whether the source supports transactions at all.
func (c *Connection) BeginTransaction() (supported bool, err error) {
	res, err := c.ch.Send(proto.ClientMessage{Type: proto.ClientBeginTransaction})
	if err != nil {
		return false, err
	}

	switch res.Type {
	case proto.ServerTransactionBegun:
		return true, nil
	case proto.ServerTransactionsNotSupported:
		return false, nil
	default:
		return false, errors.Newf(errors.ErrCodeTxnBegin,
			"unexpected response to begin transaction: %d", res.Type).Err()
	}
}

// CommitTransaction commits the remote transaction.
func (c *Connection) CommitTransaction() error {
	res, err := c.ch.Send(proto.ClientMessage{Type: proto.ClientCommitTransaction})
	if err != nil {
		return err
	}
	if res.Type != proto.ServerTransactionCommitted {
		return errors.Newf(errors.ErrCodeTxnCommit,
			"unexpected response to commit transaction: %d", res.Type).Err()
	}
	return nil
}

// RollbackTransaction rolls back the remote transaction.
func (c *Connection) RollbackTransaction() error {
	res, err := c.ch.Send(proto.ClientMessage{Type: proto.ClientRollbackTransaction})
	if err != nil {
		return err
	}
	if res.Type != proto.ServerTransactionRolledBack {
		return errors.Newf(errors.ErrCodeTxnRollback,
			"unexpected response to rollback transaction: %d", res.Type).Err()
	}
	return nil
}

// NewQuery allocates a query slot with a connection-local id. The slot
// holds a strong reference to the connection until closed.
func (c *Connection) NewQuery() *Query {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	return &Query{con: c.Retain(), id: id}
}
