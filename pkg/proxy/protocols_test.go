package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/tlsutil"
)

func quietLogger() *log.Logger {
	return log.New(log.Config{DefaultLevel: log.LevelOff})
}

// peekableOver returns a Peekable fed by the given bytes.
func peekableOver(t *testing.T, b []byte) *Peekable {
	t.Helper()

	client, server := net.Pipe()
	go func() {
		client.Write(b)
	}()

	p := NewPeekable(server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return p
}

// recordingHandler captures the stream it is handed.
type recordingHandler struct {
	handled chan net.Conn
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{handled: make(chan net.Conn, 1)}
}

func (h *recordingHandler) Handle(conn net.Conn) error {
	h.handled <- conn
	return nil
}

func TestPostgresMatches(t *testing.T) {
	proto := &PostgresProtocol{Logger: quietLogger()}

	tests := []struct {
		name  string
		bytes []byte
		want  bool
	}{
		{"ssl_request", pgSSLRequest, true},
		{"startup", []byte{0x00, 0x00, 0x00, 0x2a, 0x00, 0x03, 0x00, 0x00}, true},
		{"http_get", []byte("GET / HT"), false},
		{"garbage", []byte("abcdefgh"), false},
		{"http2", []byte("PRI * HT"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := proto.Matches(peekableOver(t, tt.bytes))
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTP1Matches(t *testing.T) {
	proto := &HTTP1Protocol{}

	ok, _ := proto.Matches(peekableOver(t, []byte("GET / HTTP/1.1\r\n")))
	if !ok {
		t.Error("GET request should match")
	}

	ok, _ = proto.Matches(peekableOver(t, pgSSLRequest))
	if ok {
		t.Error("postgres bytes should not match http1")
	}
}

func TestHTTP2Matches(t *testing.T) {
	proto := &HTTP2Protocol{}

	ok, _ := proto.Matches(peekableOver(t, http2Preface))
	if !ok {
		t.Error("http2 preface should match")
	}

	ok, _ = proto.Matches(peekableOver(t, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")))
	if ok {
		t.Error("http1 request should not match http2")
	}
}

func TestPostgresNoTLSAnswersSSLRequestWithN(t *testing.T) {
	handler := newRecordingHandler()
	proto := &PostgresProtocol{Handler: handler, Logger: quietLogger()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		p := NewPeekable(server)
		proto.Handle(p)
	}()

	if _, err := client.Write(pgSSLRequest); err != nil {
		t.Fatal(err)
	}

	var answer [1]byte
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(answer[:]); err != nil {
		t.Fatalf("read answer: %v", err)
	}
	if answer[0] != 'N' {
		t.Errorf("expected N, got %c", answer[0])
	}

	// After the refusal the handler receives the stream positioned at the
	// upcoming StartupMessage.
	select {
	case <-handler.handled:
	case <-time.After(time.Second):
		t.Error("handler not invoked")
	}
}

func TestPostgresNoTLSDirectStartupPassesThrough(t *testing.T) {
	handler := newRecordingHandler()
	proto := &PostgresProtocol{Handler: handler, Logger: quietLogger()}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	startup := []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x03, 0x00, 0x00}

	go func() {
		client.Write(startup)
	}()

	go proto.Handle(NewPeekable(server))

	select {
	case conn := <-handler.handled:
		// The startup bytes must still be readable by the handler.
		buf := make([]byte, 8)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := conn.Read(buf); err != nil {
			t.Fatalf("handler read: %v", err)
		}
		for i := range startup {
			if buf[i] != startup[i] {
				t.Fatalf("startup bytes consumed by matcher: %v", buf)
			}
		}
	case <-time.After(time.Second):
		t.Error("handler not invoked")
	}
}

func TestPostgresTLSRequiredRejectsPlainStartup(t *testing.T) {
	tlsCfg, err := tlsutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}

	proto := &PostgresProtocol{
		TLS:     tlsCfg,
		Handler: newRecordingHandler(),
		Logger:  quietLogger(),
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- proto.Handle(NewPeekable(server))
	}()

	// Direct StartupMessage on a TLS-required listener.
	if _, err := client.Write([]byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x03, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(pgSSLRequiredError))
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("read error response: %v", err)
	}
	for i := range pgSSLRequiredError {
		if buf[i] != pgSSLRequiredError[i] {
			t.Fatalf("unexpected error response: %v", buf)
		}
	}

	if err := <-errCh; err == nil {
		t.Error("plain startup on TLS listener should fail")
	}
}
