package proxy

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"

	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
)

// ConnectionHandler receives a classified (and, where applicable,
// TLS-unwrapped) stream.
type ConnectionHandler interface {
	Handle(conn net.Conn) error
}

// Protocol classifies and routes new connections. Matchers are consulted
// in a fixed order; the first match wins.
type Protocol interface {
	Name() string
	Matches(p *Peekable) (bool, error)
	Handle(p *Peekable) error
}

// Postgres protocol constants.
var (
	// SSLRequest magic: length 8, code 80877103.
	pgSSLRequest = []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f}

	// StartupRequest major version 3 at offset 4.
	pgProtocolVersion = []byte{0x00, 0x03, 0x00, 0x00}

	// Pre-encoded ErrorResponse: severity S, message "SSL required".
	pgSSLRequiredError = []byte{
		'E',
		0x00, 0x00, 0x00, 0x13,
		'S',
		'S', 'S', 'L', ' ', 'r', 'e', 'q', 'u', 'i', 'r', 'e', 'd',
		0,
		0,
	}
)

// PostgresProtocol routes postgres clients, handling the application-layer
// SSLRequest negotiation.
type PostgresProtocol struct {
	// TLS enables the mandatory SSLRequest path when non-nil.
	TLS     *tls.Config
	Handler ConnectionHandler
	Logger  *log.Logger
}

func (p *PostgresProtocol) Name() string {
	return "postgres"
}

// Matches peeks for either the SSLRequest magic or a v3 StartupRequest.
func (p *PostgresProtocol) Matches(con *Peekable) (bool, error) {
	buf, err := con.Peek(8)
	if err != nil {
		return false, nil
	}

	if bytes.Equal(buf, pgSSLRequest) {
		return true, nil
	}
	if bytes.Equal(buf[4:], pgProtocolVersion) {
		return true, nil
	}
	return false, nil
}

// Handle negotiates TLS at the application layer, then passes the stream
// to the postgres handler positioned at the StartupMessage.
func (p *PostgresProtocol) Handle(con *Peekable) error {
	if p.TLS != nil {
		// TLS required: the client must lead with SSLRequest. Consume it
		// so the TLS session starts at ClientHello.
		var buf [8]byte
		if _, err := io.ReadFull(con, buf[:]); err != nil {
			return errors.Wrap(err, errors.ErrCodeProtocolError,
				"failed to read postgres preamble").Err()
		}

		if !bytes.Equal(buf[:], pgSSLRequest) {
			con.Write(pgSSLRequiredError)
			return errors.New(errors.ErrCodeTLSError,
				"postgres client tried to connect without TLS on a TLS-enabled server").Err()
		}

		if _, err := con.Write([]byte{'S'}); err != nil {
			return err
		}

		tlsConn := tls.Server(con, p.TLS)
		return p.Handler.Handle(tlsConn)
	}

	// TLS disabled: answer N to an SSLRequest if one was sent, peeking
	// first so a direct StartupMessage is not consumed.
	buf, err := con.Peek(8)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeProtocolError,
			"failed to peek postgres preamble").Err()
	}

	if bytes.Equal(buf, pgSSLRequest) {
		var discard [8]byte
		if _, err := io.ReadFull(con, discard[:]); err != nil {
			return err
		}
		if _, err := con.Write([]byte{'N'}); err != nil {
			return err
		}
	}

	return p.Handler.Handle(con)
}

// HTTP1Protocol matches plaintext HTTP/1 requests by method token.
type HTTP1Protocol struct {
	Handler ConnectionHandler
}

var http1Methods = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "PATCH ", "TRACE ", "CONNECT ",
}

func (p *HTTP1Protocol) Name() string {
	return "http1"
}

func (p *HTTP1Protocol) Matches(con *Peekable) (bool, error) {
	buf, err := con.Peek(8)
	if err != nil {
		return false, nil
	}

	for _, m := range http1Methods {
		if len(buf) >= len(m) && string(buf[:len(m)]) == m {
			return true, nil
		}
	}
	return false, nil
}

func (p *HTTP1Protocol) Handle(con *Peekable) error {
	return p.Handler.Handle(con)
}

// HTTP2Protocol matches the HTTP/2 connection preface.
type HTTP2Protocol struct {
	Handler ConnectionHandler
}

var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

func (p *HTTP2Protocol) Name() string {
	return "http2"
}

func (p *HTTP2Protocol) Matches(con *Peekable) (bool, error) {
	buf, err := con.Peek(len(http2Preface))
	if err != nil {
		// A shorter prefix may still disambiguate.
		buf, err = con.Peek(8)
		if err != nil {
			return false, nil
		}
		return bytes.HasPrefix(http2Preface, buf), nil
	}
	return bytes.Equal(buf, http2Preface), nil
}

func (p *HTTP2Protocol) Handle(con *Peekable) error {
	return p.Handler.Handle(con)
}
