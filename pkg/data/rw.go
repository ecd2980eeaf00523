package data

import (
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tessera-db/tessera/pkg/errors"
)

// Per-value wire framing, identical for query parameters and result streams:
//
//	0x00                    null, no further bytes
//	0x01 <type encoding>    non-null
//
// Fixed-width numeric kinds encode as big-endian bytes of the declared
// width. Variable-width kinds (strings, binary, decimal, temporal and json
// text forms) encode as a sequence of (len u8, bytes[len]) chunks terminated
// by a len=0 chunk.

const maxChunk = 255

// EncodeValue appends the framed encoding of v, interpreted as the declared
// type, to dst. The value is coerced into the declared type first.
func EncodeValue(dst []byte, declared DataType, v DataValue) ([]byte, error) {
	if v.IsNull() {
		return append(dst, 0x00), nil
	}

	v, err := v.TryCoerceInto(declared)
	if err != nil {
		return nil, err
	}

	dst = append(dst, 0x01)

	switch declared.Kind {
	case KindBoolean:
		if v.Bool {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil

	case KindInt8:
		return append(dst, byte(int8(v.Int))), nil
	case KindUInt8:
		return append(dst, byte(v.Uint)), nil
	case KindInt16:
		return binary.BigEndian.AppendUint16(dst, uint16(int16(v.Int))), nil
	case KindUInt16:
		return binary.BigEndian.AppendUint16(dst, uint16(v.Uint)), nil
	case KindInt32:
		return binary.BigEndian.AppendUint32(dst, uint32(int32(v.Int))), nil
	case KindUInt32:
		return binary.BigEndian.AppendUint32(dst, uint32(v.Uint)), nil
	case KindInt64:
		return binary.BigEndian.AppendUint64(dst, uint64(v.Int)), nil
	case KindUInt64:
		return binary.BigEndian.AppendUint64(dst, v.Uint), nil
	case KindFloat32:
		return binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(v.Float))), nil
	case KindFloat64:
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float)), nil

	case KindUtf8String, KindJSON:
		return appendChunked(dst, []byte(v.Str)), nil
	case KindBinary:
		return appendChunked(dst, v.Bytes), nil
	case KindDecimal:
		return appendChunked(dst, []byte(v.Dec.String())), nil
	case KindDate, KindTime, KindDateTime, KindDateTimeWithTZ:
		return appendChunked(dst, []byte(v.TextForm())), nil
	case KindUUID:
		return appendChunked(dst, []byte(v.UUID.String())), nil
	}

	return nil, errors.Newf(errors.ErrCodeInternal,
		"cannot encode value of type %s", declared).Err()
}

// DecodeValue parses one complete framed value of the declared type from
// buf, returning the value and the byte count consumed. Fails if the buffer
// does not hold a complete value.
func DecodeValue(declared DataType, buf []byte) (DataValue, int, error) {
	if len(buf) == 0 {
		return DataValue{}, 0, errors.New(errors.ErrCodeTruncated,
			"empty buffer decoding value").Err()
	}

	if buf[0] == 0x00 {
		return NullValue(), 1, nil
	}
	if buf[0] != 0x01 {
		return DataValue{}, 0, errors.Newf(errors.ErrCodeProtocolError,
			"invalid null marker byte 0x%02x", buf[0]).Err()
	}

	v, n, ok, err := decodeBody(declared, buf[1:])
	if err != nil {
		return DataValue{}, 0, err
	}
	if !ok {
		return DataValue{}, 0, errors.New(errors.ErrCodeTruncated,
			"incomplete value in buffer").Err()
	}
	return v, 1 + n, nil
}

// appendChunked appends the (len u8, bytes) chunk framing of b.
func appendChunked(dst, b []byte) []byte {
	for len(b) > 0 {
		n := len(b)
		if n > maxChunk {
			n = maxChunk
		}
		dst = append(dst, byte(n))
		dst = append(dst, b[:n]...)
		b = b[n:]
	}
	return append(dst, 0)
}

// decodeBody parses the non-null body of a value of the declared type from
// buf. Returns the value, the number of bytes consumed and whether a
// complete value was present.
func decodeBody(declared DataType, buf []byte) (DataValue, int, bool, error) {
	if w := declared.FixedWidth(); w > 0 {
		if len(buf) < w {
			return DataValue{}, 0, false, nil
		}
		v, err := decodeFixed(declared, buf[:w])
		return v, w, err == nil, err
	}

	raw, n, ok := parseChunked(buf)
	if !ok {
		return DataValue{}, 0, false, nil
	}

	v, err := decodeText(declared, raw)
	if err != nil {
		return DataValue{}, 0, false, err
	}
	return v, n, true, nil
}

func decodeFixed(declared DataType, b []byte) (DataValue, error) {
	switch declared.Kind {
	case KindBoolean:
		return BoolValue(b[0] != 0), nil
	case KindInt8:
		return Int8Value(int8(b[0])), nil
	case KindUInt8:
		return UInt8Value(b[0]), nil
	case KindInt16:
		return Int16Value(int16(binary.BigEndian.Uint16(b))), nil
	case KindUInt16:
		return UInt16Value(binary.BigEndian.Uint16(b)), nil
	case KindInt32:
		return Int32Value(int32(binary.BigEndian.Uint32(b))), nil
	case KindUInt32:
		return UInt32Value(binary.BigEndian.Uint32(b)), nil
	case KindInt64:
		return Int64Value(int64(binary.BigEndian.Uint64(b))), nil
	case KindUInt64:
		return UInt64Value(binary.BigEndian.Uint64(b)), nil
	case KindFloat32:
		return Float32Value(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case KindFloat64:
		return Float64Value(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	}
	return DataValue{}, errors.Newf(errors.ErrCodeInternal,
		"not a fixed-width type: %s", declared).Err()
}

func decodeText(declared DataType, raw []byte) (DataValue, error) {
	switch declared.Kind {
	case KindUtf8String:
		return StringValue(string(raw)), nil
	case KindJSON:
		return JSONValue(string(raw)), nil
	case KindBinary:
		return BinaryValue(raw), nil

	case KindDecimal:
		d, err := decimal.NewFromString(string(raw))
		if err != nil {
			return DataValue{}, errors.Wrap(err, errors.ErrCodeProtocolError,
				"malformed decimal on wire").Err()
		}
		return DecimalValue(d), nil

	case KindDate:
		t, err := time.Parse(DateLayout, string(raw))
		if err != nil {
			return DataValue{}, errors.Wrap(err, errors.ErrCodeProtocolError,
				"malformed date on wire").Err()
		}
		return DateValue(t), nil

	case KindTime:
		t, err := time.Parse(TimeLayout, string(raw))
		if err != nil {
			return DataValue{}, errors.Wrap(err, errors.ErrCodeProtocolError,
				"malformed time on wire").Err()
		}
		return TimeValue(t), nil

	case KindDateTime:
		t, err := time.Parse(DateTimeLayout, string(raw))
		if err != nil {
			return DataValue{}, errors.Wrap(err, errors.ErrCodeProtocolError,
				"malformed datetime on wire").Err()
		}
		return DateTimeValue(t), nil

	case KindDateTimeWithTZ:
		s := string(raw)
		idx := strings.LastIndexByte(s, ' ')
		if idx < 0 {
			return DataValue{}, errors.New(errors.ErrCodeProtocolError,
				"malformed zoned datetime on wire").Err()
		}
		t, err := time.Parse(time.RFC3339Nano, s[:idx])
		if err != nil {
			return DataValue{}, errors.Wrap(err, errors.ErrCodeProtocolError,
				"malformed zoned datetime on wire").Err()
		}
		return DateTimeTZValue(t, s[idx+1:]), nil

	case KindUUID:
		u, err := uuid.Parse(string(raw))
		if err != nil {
			return DataValue{}, errors.Wrap(err, errors.ErrCodeProtocolError,
				"malformed uuid on wire").Err()
		}
		return UUIDValue(u), nil
	}

	return DataValue{}, errors.Newf(errors.ErrCodeInternal,
		"not a variable-width type: %s", declared).Err()
}

// parseChunked scans the chunk framing in buf. Returns the reassembled
// bytes, the count consumed and whether the terminating chunk was present.
func parseChunked(buf []byte) ([]byte, int, bool) {
	var out []byte
	pos := 0

	for {
		if pos >= len(buf) {
			return nil, 0, false
		}
		n := int(buf[pos])
		pos++
		if n == 0 {
			return out, pos, true
		}
		if pos+n > len(buf) {
			return nil, 0, false
		}
		out = append(out, buf[pos:pos+n]...)
		pos += n
	}
}
