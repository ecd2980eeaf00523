// Package client implements the FDW-client side of the IPC channel: the
// request/response channel a postgres backend opens to the FDW host, the
// shared reference-counted connection, and the query-slot API layered on
// top of it.
package client

import (
	"net"
	"sync"

	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/fdw/proto"
)

// Channel is a lock-step request/response channel over a unix stream. A
// decode failure or transport error marks the channel broken; no attempt is
// made to resynchronise.
type Channel struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
	broken bool
}

// Dial opens a channel to the FDW host socket.
func Dial(socketPath string) (*Channel, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to connect to fdw host").
			WithField("socket", socketPath).
			Err()
	}
	return NewChannel(conn), nil
}

// NewChannel wraps an established stream.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Send writes the request and waits for the response. A GenericError
// response is surfaced as an error and marks the channel broken.
func (c *Channel) Send(req proto.ClientMessage) (proto.ServerMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.broken {
		return proto.ServerMessage{}, errors.New(errors.ErrCodeConnectionClosed,
			"fdw channel is closed").Err()
	}

	if err := proto.WriteClientMessage(c.conn, req); err != nil {
		c.broken = true
		return proto.ServerMessage{}, err
	}

	res, err := proto.ReadServerMessage(c.conn)
	if err != nil {
		c.broken = true
		return proto.ServerMessage{}, errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to read fdw response").Err()
	}

	if res.Type == proto.ServerGenericError {
		c.broken = true
		return res, errors.Newf(errors.ErrCodeSourceError, "%s", res.Error).Err()
	}

	return res, nil
}

// Close sends the terminal Close message and closes the socket.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if !c.broken {
		// Best effort; the socket is closed regardless.
		_ = proto.WriteClientMessage(c.conn, proto.ClientMessage{Type: proto.ClientClose})
	}

	return c.conn.Close()
}

// Broken reports whether the channel has failed.
func (c *Channel) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}
