// Package proxy implements the wire-edge front-end: a single TCP listener
// that peeks each new connection, classifies its protocol (postgres
// startup, HTTP/1, HTTP/2), performs TLS where applicable and routes the
// stream to the matching handler.
package proxy

import (
	"bufio"
	"net"
	"time"
)

// Peekable wraps a stream with a buffered front that permits Peek before
// any Read. All subsequent reads must go through the wrapper so buffered
// bytes are never lost.
type Peekable struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewPeekable wraps the connection.
func NewPeekable(conn net.Conn) *Peekable {
	return &Peekable{conn: conn, r: bufio.NewReader(conn)}
}

// Peek returns the next n bytes without consuming them.
func (p *Peekable) Peek(n int) ([]byte, error) {
	return p.r.Peek(n)
}

// Read implements io.Reader through the buffer.
func (p *Peekable) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Write implements io.Writer on the underlying connection.
func (p *Peekable) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

// Close closes the underlying connection.
func (p *Peekable) Close() error {
	return p.conn.Close()
}

// net.Conn passthroughs

func (p *Peekable) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Peekable) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

func (p *Peekable) SetDeadline(t time.Time) error {
	return p.conn.SetDeadline(t)
}

func (p *Peekable) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

func (p *Peekable) SetWriteDeadline(t time.Time) error {
	return p.conn.SetWriteDeadline(t)
}

var _ net.Conn = (*Peekable)(nil)
