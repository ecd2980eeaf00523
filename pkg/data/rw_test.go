package data

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func mustDecodeOne(t *testing.T, declared DataType, encoded []byte) DataValue {
	t.Helper()

	sink := NewDataSink([]DataType{declared})
	if _, err := sink.Write(encoded); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, ok, err := sink.ReadDataValue()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok {
		t.Fatalf("value incomplete after %d bytes", len(encoded))
	}
	return v
}

func TestValueRoundTrip(t *testing.T) {
	u := uuid.MustParse("a81bc81b-dead-4e5d-abff-90865d1e13b1")
	dec := decimal.RequireFromString("123.456")
	dt := time.Date(2022, 9, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		declared DataType
		value    DataValue
	}{
		{"null", Int32(), NullValue()},
		{"bool_true", Boolean(), BoolValue(true)},
		{"bool_false", Boolean(), BoolValue(false)},
		{"int8_negative", Int8(), Int8Value(-100)},
		{"uint8", UInt8(), UInt8Value(255)},
		{"int16", Int16(), Int16Value(-12345)},
		{"uint16", UInt16(), UInt16Value(54321)},
		{"int32", Int32(), Int32Value(-123456789)},
		{"uint32", UInt32(), UInt32Value(4000000000)},
		{"int64", Int64(), Int64Value(-1234567890123)},
		{"uint64", UInt64(), UInt64Value(18446744073709551615)},
		{"float32", Float32(), Float32Value(1.5)},
		{"float64", Float64(), Float64Value(-0.0625)},
		{"decimal", Decimal(), DecimalValue(dec)},
		{"string_empty", Utf8String(), StringValue("")},
		{"string_short", Utf8String(), StringValue("John")},
		{"string_long", Utf8String(), StringValue(strings.Repeat("x", 1000))},
		{"binary", Binary(), BinaryValue([]byte{0x00, 0x01, 0xff})},
		{"date", Date(), DateValue(time.Date(2022, 9, 15, 0, 0, 0, 0, time.UTC))},
		{"time", Time(), TimeValue(time.Date(0, 1, 1, 10, 30, 15, 0, time.UTC))},
		{"datetime", DateTime(), DateTimeValue(dt)},
		{"datetimetz", DateTimeWithTZ(), DateTimeTZValue(dt, "UTC")},
		{"uuid", UUID(), UUIDValue(u)},
		{"json", JSON(), JSONValue(`{"a":[1,2,3]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeValue(nil, tt.declared, tt.value)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			got := mustDecodeOne(t, tt.declared, encoded)
			if !got.Equal(tt.value) {
				t.Errorf("round trip mismatch: wrote %v, read %v", tt.value, got)
			}
		})
	}
}

func TestEncodeNullMarker(t *testing.T) {
	encoded, err := EncodeValue(nil, Utf8String(), NullValue())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded) != 1 || encoded[0] != 0x00 {
		t.Errorf("null must encode as single 0x00 byte, got %v", encoded)
	}
}

func TestChunkedFramingBoundaries(t *testing.T) {
	// A value of exactly 255 bytes needs one full chunk plus the terminator;
	// 256 bytes spills into a second chunk.
	for _, n := range []int{0, 1, 254, 255, 256, 600} {
		v := StringValue(strings.Repeat("a", n))
		encoded, err := EncodeValue(nil, Utf8String(), v)
		if err != nil {
			t.Fatalf("encode %d: %v", n, err)
		}

		got := mustDecodeOne(t, Utf8String(), encoded)
		if !got.Equal(v) {
			t.Errorf("length %d: round trip mismatch", n)
		}
	}
}

func TestSinkHandlesArbitrarySplits(t *testing.T) {
	values := []DataValue{
		Int32Value(42),
		StringValue("federated"),
		NullValue(),
		Float64Value(3.25),
	}
	types := []DataType{Int32(), Utf8String(), Utf8String(), Float64()}

	var encoded []byte
	for i, v := range values {
		var err error
		encoded, err = EncodeValue(encoded, types[i], v)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	// Feed one byte at a time.
	sink := NewDataSink(types)
	var got []DataValue
	for _, b := range encoded {
		if _, err := sink.Write([]byte{b}); err != nil {
			t.Fatalf("write: %v", err)
		}
		for {
			v, ok, err := sink.ReadDataValue()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !ok {
				break
			}
			got = append(got, v)
		}
	}

	if len(got) != len(values) {
		t.Fatalf("decoded %d values, want %d", len(got), len(values))
	}
	for i := range values {
		if !got[i].Equal(values[i]) {
			t.Errorf("value %d: got %v, want %v", i, got[i], values[i])
		}
	}
	if !sink.AllRead() {
		t.Error("sink should report all values read")
	}
}

func TestQueryParamSink(t *testing.T) {
	params := []QueryParam{
		DynamicParam(1, UInt16()),
		ConstantParam(StringValue("hello")),
		DynamicParam(2, UInt32()),
	}

	sink := NewQueryParamSink(params)

	input := sink.InputStructure()
	if len(input.Params) != 2 {
		t.Fatalf("input structure should carry only dynamic params, got %d", len(input.Params))
	}
	if input.Params[0].ID != 1 || input.Params[1].ID != 2 {
		t.Errorf("parameter ids not preserved: %+v", input.Params)
	}

	if _, err := sink.GetAll(); err == nil {
		t.Error("GetAll should fail before all params written")
	}

	var buf []byte
	buf, _ = EncodeValue(buf, UInt16(), UInt16Value(456))
	buf, _ = EncodeValue(buf, UInt32(), UInt32Value(789))
	if _, err := sink.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	all, err := sink.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}

	want := []DataValue{UInt16Value(456), StringValue("hello"), UInt32Value(789)}
	for i := range want {
		if !all[i].Equal(want[i]) {
			t.Errorf("param %d: got %v, want %v", i, all[i], want[i])
		}
	}
}

func TestQueryParamSinkExcessInput(t *testing.T) {
	sink := NewQueryParamSink([]QueryParam{DynamicParam(1, UInt16())})

	buf, _ := EncodeValue(nil, UInt16(), UInt16Value(456))
	if _, err := sink.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := sink.Write([]byte{0}); err == nil {
		t.Error("write past declared cardinality should fail")
	}
}

func TestQueryParamSinkExcessInOneBuffer(t *testing.T) {
	sink := NewQueryParamSink([]QueryParam{DynamicParam(1, UInt16())})

	buf, _ := EncodeValue(nil, UInt16(), UInt16Value(456))
	buf = append(buf, 0x00) // trailing garbage
	if _, err := sink.Write(buf); err == nil {
		t.Error("excess bytes in the final buffer should fail")
	}
}

func TestQueryParamSinkClear(t *testing.T) {
	sink := NewQueryParamSink([]QueryParam{DynamicParam(1, UInt16())})

	buf, _ := EncodeValue(nil, UInt16(), UInt16Value(456))
	if _, err := sink.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	sink.Clear()

	if sink.AllWritten() {
		t.Error("sink should be empty after Clear")
	}

	buf, _ = EncodeValue(nil, UInt16(), UInt16Value(789))
	if _, err := sink.Write(buf); err != nil {
		t.Fatalf("write after clear: %v", err)
	}

	all, err := sink.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if !all[0].Equal(UInt16Value(789)) {
		t.Errorf("got %v, want 789", all[0])
	}
}
