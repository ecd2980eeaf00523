// Package proto defines the FDW IPC message set and its binary framing.
//
// Every message is one length-prefixed frame on a unix stream: a uint32
// little-endian payload length, then the payload starting with a uint8 tag.
// Within a payload, integers are little-endian, strings and byte vectors are
// uint32-length-prefixed, and vectors are a uint32 count followed by the
// elements in order. The encoder/decoder is shared between the FDW client
// (inside each backend) and the FDW host.
package proto

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
)

// maxFrameLength bounds a single IPC frame. Parameter and result payloads
// are chunked by the protocol well below this.
const maxFrameLength = 64 << 20

// writer accumulates a frame payload.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) f64(v float64) {
	w.u64(math.Float64bits(v))
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader consumes a frame payload.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) need(n int) error {
	if r.remaining() < n {
		return errors.New(errors.ErrCodeTruncated, "truncated ipc frame").Err()
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) f64() (float64, error) {
	v, err := r.u64()
	return math.Float64frombits(v), err
}

func (r *reader) boolean() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *reader) str() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// readFrame reads one length-prefixed frame payload.
func readFrame(src io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(src, head[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeTruncated, "failed to read ipc frame").Err()
	}

	length := binary.LittleEndian.Uint32(head[:])
	if length == 0 || length > maxFrameLength {
		return nil, errors.Newf(errors.ErrCodeInvalidLength,
			"invalid ipc frame length %d", length).Err()
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(src, payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTruncated, "truncated ipc frame").Err()
	}
	return payload, nil
}

// writeFrame writes one length-prefixed frame.
func writeFrame(dst io.Writer, payload []byte) error {
	var head [4]byte
	binary.LittleEndian.PutUint32(head[:], uint32(len(payload)))
	if _, err := dst.Write(head[:]); err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to write ipc frame").Err()
	}
	if _, err := dst.Write(payload); err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to write ipc frame").Err()
	}
	return nil
}

// Shared field codecs

func (w *writer) dataType(t data.DataType) {
	w.u8(uint8(t.Kind))
	w.u32(t.Str.MaxLength)
	w.u16(t.Dec.Precision)
	w.u16(t.Dec.Scale)
}

func (r *reader) dataType() (data.DataType, error) {
	kind, err := r.u8()
	if err != nil {
		return data.DataType{}, err
	}
	maxLen, err := r.u32()
	if err != nil {
		return data.DataType{}, err
	}
	prec, err := r.u16()
	if err != nil {
		return data.DataType{}, err
	}
	scale, err := r.u16()
	if err != nil {
		return data.DataType{}, err
	}
	return data.DataType{
		Kind: data.TypeKind(kind),
		Str:  data.StringOptions{MaxLength: maxLen},
		Dec:  data.DecimalOptions{Precision: prec, Scale: scale},
	}, nil
}

func (w *writer) dataValue(v data.DataValue) error {
	w.u8(uint8(v.Kind))
	encoded, err := data.EncodeValue(nil, v.Type(), v)
	if err != nil {
		return err
	}
	w.bytes(encoded)
	return nil
}

func (r *reader) dataValue() (data.DataValue, error) {
	kind, err := r.u8()
	if err != nil {
		return data.DataValue{}, err
	}
	encoded, err := r.bytes()
	if err != nil {
		return data.DataValue{}, err
	}
	v, _, err := data.DecodeValue(data.DataType{Kind: data.TypeKind(kind)}, encoded)
	return v, err
}
