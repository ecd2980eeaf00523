package data

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCoerceWideningIntegers(t *testing.T) {
	tests := []struct {
		name   string
		value  DataValue
		target DataType
		want   DataValue
	}{
		{"int8_to_int16", Int8Value(100), Int16(), Int16Value(100)},
		{"int8_to_int64", Int8Value(-100), Int64(), Int64Value(-100)},
		{"uint8_to_int16", UInt8Value(200), Int16(), Int16Value(200)},
		{"uint32_to_uint64", UInt32Value(4000000000), UInt64(), UInt64Value(4000000000)},
		{"int32_to_decimal", Int32Value(12345), Decimal(), DecimalValue(decimal.NewFromInt(12345))},
		{"int32_to_float64", Int32Value(7), Float64(), Float64Value(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.value.TryCoerceInto(tt.target)
			if err != nil {
				t.Fatalf("coerce: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoerceNarrowingFails(t *testing.T) {
	tests := []struct {
		name   string
		value  DataValue
		target DataType
	}{
		{"int16_overflows_int8", Int16Value(1000), Int8()},
		{"negative_to_unsigned", Int32Value(-1), UInt32()},
		{"uint64_overflows_int64", UInt64Value(1 << 63), Int64()},
		{"string_not_numeric", StringValue("abc"), Int32()},
		{"fractional_decimal_to_int", DecimalValue(decimal.RequireFromString("1.5")), Int64()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.value.TryCoerceInto(tt.target); err == nil {
				t.Errorf("coercing %v into %s should fail", tt.value, tt.target)
			}
		})
	}
}

func TestCoerceStringNumeric(t *testing.T) {
	got, err := StringValue("123").TryCoerceInto(Int32())
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if !got.Equal(Int32Value(123)) {
		t.Errorf("got %v", got)
	}

	back, err := Int32Value(123).TryCoerceInto(Utf8String())
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if !back.Equal(StringValue("123")) {
		t.Errorf("got %v", back)
	}
}

func TestCoerceTemporalReinterpretation(t *testing.T) {
	dt := time.Date(2022, 9, 15, 10, 30, 0, 0, time.UTC)

	d, err := DateTimeValue(dt).TryCoerceInto(Date())
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if !d.Equal(DateValue(time.Date(2022, 9, 15, 0, 0, 0, 0, time.UTC))) {
		t.Errorf("got %v", d)
	}

	tz, err := DateTimeValue(dt).TryCoerceInto(DateTimeWithTZ())
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if tz.Zone != "UTC" {
		t.Errorf("datetime to zoned should assume UTC, got %q", tz.Zone)
	}
}

func TestCoercePreservesNull(t *testing.T) {
	for _, target := range []DataType{Int8(), Utf8String(), JSON(), Binary()} {
		got, err := NullValue().TryCoerceInto(target)
		if err != nil {
			t.Fatalf("coerce null into %s: %v", target, err)
		}
		if !got.IsNull() {
			t.Errorf("null must survive coercion into %s", target)
		}
	}
}

func TestCoerceIdempotent(t *testing.T) {
	v := StringValue("hello")

	once, err := v.TryCoerceInto(Utf8String())
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	twice, err := once.TryCoerceInto(Utf8String())
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if !once.Equal(twice) {
		t.Error("coercion must be idempotent")
	}
}

func TestCoerceStringMaxLength(t *testing.T) {
	if _, err := StringValue("toolong").TryCoerceInto(Utf8StringMax(3)); err == nil {
		t.Error("string exceeding max length should fail")
	}
	if _, err := StringValue("ok").TryCoerceInto(Utf8StringMax(3)); err != nil {
		t.Errorf("string within max length should pass: %v", err)
	}
}
