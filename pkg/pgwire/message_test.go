package pgwire

import (
	"bytes"
	"testing"
)

func TestReadMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"empty_body", Message{Tag: 'Z', Body: nil}},
		{"query", Build(TagQuery, func(b *bytes.Buffer) {
			b.WriteString("SELECT 1")
			b.WriteByte(0)
		})},
		{"password", Build(TagPasswordMessage, func(b *bytes.Buffer) {
			b.WriteString("secret")
			b.WriteByte(0)
		})},
		{"binary_body", Message{Tag: 'D', Body: []byte{0x00, 0x01, 0xfe, 0xff}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.msg.Encode()

			got, err := ReadMessage(bytes.NewReader(encoded))
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got.Tag != tt.msg.Tag {
				t.Errorf("tag: got %c, want %c", got.Tag, tt.msg.Tag)
			}
			if !bytes.Equal(got.Body, tt.msg.Body) {
				t.Errorf("body: got %v, want %v", got.Body, tt.msg.Body)
			}
		})
	}
}

func TestReadMessageInvalidLength(t *testing.T) {
	// Tag 'Q', length 3 (< 4 is invalid).
	if _, err := ReadMessage(bytes.NewReader([]byte{'Q', 0, 0, 0, 3})); err == nil {
		t.Error("length < 4 should fail")
	}
}

func TestReadMessageTruncated(t *testing.T) {
	msg := Message{Tag: 'Q', Body: []byte("SELECT 1")}
	encoded := msg.Encode()

	if _, err := ReadMessage(bytes.NewReader(encoded[:len(encoded)-3])); err == nil {
		t.Error("short read should fail")
	}
}

func TestParseStartup(t *testing.T) {
	startup := NewStartupMessage(map[string]string{
		"user":     "token_read",
		"database": "postgres",
	})
	encoded := startup.Encode()

	msg, err := ReadUntagged(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	parsed, err := ParseStartup(msg.Body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.ProtocolVersion != ProtocolVersion {
		t.Errorf("version: got %d, want %d", parsed.ProtocolVersion, ProtocolVersion)
	}
	if u, _ := parsed.User(); u != "token_read" {
		t.Errorf("user: got %q", u)
	}
	if parsed.Params["database"] != "postgres" {
		t.Errorf("database: got %q", parsed.Params["database"])
	}
}

func TestParseStartupBadVersion(t *testing.T) {
	body := []byte{0x00, 0x02, 0x00, 0x00, 0x00}
	if _, err := ParseStartup(body); err == nil {
		t.Error("wrong protocol version should fail")
	}
}

func TestParseStartupMissingTerminator(t *testing.T) {
	body := []byte{0x00, 0x03, 0x00, 0x00, 'u', 's', 'e', 'r', 0, 'x'}
	if _, err := ParseStartup(body); err == nil {
		t.Error("missing terminator should fail")
	}
}

func TestParseStartupOddStrings(t *testing.T) {
	// "user\0" then terminator: one key with no value.
	body := []byte{0x00, 0x03, 0x00, 0x00, 'u', 's', 'e', 'r', 0, 0}
	if _, err := ParseStartup(body); err == nil {
		t.Error("odd string count should fail")
	}
}

func TestPasswordMessageExtraction(t *testing.T) {
	msg := Build(TagPasswordMessage, func(b *bytes.Buffer) {
		b.WriteString("hunter2")
		b.WriteByte(0)
	})

	pw, err := msg.PasswordMessage()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(pw) != "hunter2" {
		t.Errorf("got %q", pw)
	}

	other := Message{Tag: 'Q', Body: nil}
	if _, err := other.PasswordMessage(); err == nil {
		t.Error("non-password tag should fail")
	}
}
