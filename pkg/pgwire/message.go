// Package pgwire implements byte-exact encoding and decoding of PostgreSQL
// v3 wire protocol frames.
//
// The raw frame codec is used wherever messages must be carried opaquely:
// the proxy front-end peeks and forwards frames it does not interpret, and
// the postgres handler splices authenticated client streams to the embedded
// engine without re-encoding. Structured backend messages (authentication
// requests, error responses) are built with jackc/pgproto3 by the auth and
// engine packages.
package pgwire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/tessera-db/tessera/pkg/errors"
)

// ProtocolVersion is the PostgreSQL v3 protocol constant (0x00030000).
const ProtocolVersion = 196608

// Frontend message tags the postgres handler recognises. Everything else is
// carried opaquely.
const (
	TagPasswordMessage = 'p'
	TagQuery           = 'Q'
	TagTerminate       = 'X'
)

// Maximum accepted frame length. Matches the sanity cap postgres itself
// applies to startup packets and ordinary messages.
const maxMessageLength = 1 << 30

// Message is one tagged protocol frame. Untagged frames (startup, SSL
// request) have Tag == 0.
type Message struct {
	Tag  byte
	Body []byte
}

// ReadMessage reads one tagged frame: a tag byte, a big-endian int32 length
// (inclusive of itself, exclusive of the tag), then length-4 body bytes.
func ReadMessage(r io.Reader) (Message, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, truncated(err)
	}

	length := binary.BigEndian.Uint32(head[1:])
	if length < 4 || length > maxMessageLength {
		return Message{}, errors.Newf(errors.ErrCodeInvalidLength,
			"invalid message length %d", length).Err()
	}

	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, truncated(err)
	}

	return Message{Tag: head[0], Body: body}, nil
}

// ReadUntagged reads one untagged frame (startup or SSL request): a
// big-endian int32 length inclusive of itself, then length-4 body bytes.
func ReadUntagged(r io.Reader) (Message, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, truncated(err)
	}

	length := binary.BigEndian.Uint32(head[:])
	if length < 4 || length > maxMessageLength {
		return Message{}, errors.Newf(errors.ErrCodeInvalidLength,
			"invalid message length %d", length).Err()
	}

	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, truncated(err)
	}

	return Message{Body: body}, nil
}

func truncated(err error) error {
	if err == io.EOF {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeTruncated, "truncated message").Err()
}

// Build constructs a tagged message, deferring length patching to encode
// time. The writer callback produces the body.
func Build(tag byte, body func(*bytes.Buffer)) Message {
	var buf bytes.Buffer
	if body != nil {
		body(&buf)
	}
	return Message{Tag: tag, Body: buf.Bytes()}
}

// Encode serialises the frame, length patched over the body.
func (m Message) Encode() []byte {
	var out []byte
	if m.Tag != 0 {
		out = make([]byte, 0, 5+len(m.Body))
		out = append(out, m.Tag)
	} else {
		out = make([]byte, 0, 4+len(m.Body))
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(m.Body)+4))
	return append(out, m.Body...)
}

// WriteTo writes the encoded frame to w.
func (m Message) WriteTo(w io.Writer) error {
	_, err := w.Write(m.Encode())
	return err
}

// IsTerminate reports whether the frame is a frontend Terminate.
func (m Message) IsTerminate() bool {
	return m.Tag == TagTerminate
}

// PasswordMessage extracts the password payload from a PasswordMessage
// frame, stripping the null terminator.
func (m Message) PasswordMessage() ([]byte, error) {
	if m.Tag != TagPasswordMessage {
		return nil, errors.Newf(errors.ErrCodeUnexpectedMsg,
			"expected password message, got tag '%c'", m.Tag).Err()
	}
	body := m.Body
	if len(body) > 0 && body[len(body)-1] == 0 {
		body = body[:len(body)-1]
	}
	return body, nil
}

// StartupMessage is the parsed startup frame.
type StartupMessage struct {
	ProtocolVersion uint32
	Params          map[string]string
}

// NewStartupMessage creates a startup message with the v3 protocol version.
func NewStartupMessage(params map[string]string) StartupMessage {
	return StartupMessage{ProtocolVersion: ProtocolVersion, Params: params}
}

// ParseStartup parses an untagged startup body: a protocol version followed
// by null-terminated key/value pairs terminated by an extra null.
func ParseStartup(body []byte) (StartupMessage, error) {
	if len(body) < 4 {
		return StartupMessage{}, errors.New(errors.ErrCodeInvalidLength,
			"startup message too short").Err()
	}

	version := binary.BigEndian.Uint32(body[:4])
	if version != ProtocolVersion {
		return StartupMessage{}, errors.Newf(errors.ErrCodeProtocolError,
			"unsupported protocol version %d", version).Err()
	}

	rest := body[4:]
	if len(rest) == 0 || rest[len(rest)-1] != 0 {
		return StartupMessage{}, errors.New(errors.ErrCodeProtocolError,
			"startup message missing terminator").Err()
	}

	// Strip the trailing terminator null, then split the remaining
	// null-terminated strings.
	rest = rest[:len(rest)-1]

	params := make(map[string]string)
	if len(rest) > 0 {
		if rest[len(rest)-1] != 0 {
			return StartupMessage{}, errors.New(errors.ErrCodeProtocolError,
				"startup message missing terminator").Err()
		}
		parts := bytes.Split(rest[:len(rest)-1], []byte{0})
		if len(parts)%2 != 0 {
			return StartupMessage{}, errors.New(errors.ErrCodeProtocolError,
				"startup message has odd string count").Err()
		}
		for i := 0; i < len(parts); i += 2 {
			params[string(parts[i])] = string(parts[i+1])
		}
	}

	return StartupMessage{ProtocolVersion: version, Params: params}, nil
}

// Encode serialises the startup message as an untagged frame.
func (s StartupMessage) Encode() []byte {
	var body bytes.Buffer
	var version [4]byte
	binary.BigEndian.PutUint32(version[:], s.ProtocolVersion)
	body.Write(version[:])

	for k, v := range s.Params {
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(v)
		body.WriteByte(0)
	}
	body.WriteByte(0)

	return Message{Body: body.Bytes()}.Encode()
}

// User returns the "user" startup parameter.
func (s StartupMessage) User() (string, bool) {
	u, ok := s.Params["user"]
	return u, ok
}
