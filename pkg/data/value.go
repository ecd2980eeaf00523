package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Canonical text layouts for the temporal kinds. These are the normalised
// forms used on the wire and by the SQL compilers.
const (
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04:05.999999999"
	DateTimeLayout = "2006-01-02T15:04:05.999999999"
)

// DataValue is a single typed scalar. The Kind discriminates which payload
// field is meaningful. Null is a distinct kind, not a sentinel on another
// kind.
type DataValue struct {
	Kind TypeKind

	Bool  bool
	Int   int64  // Int8/Int16/Int32/Int64
	Uint  uint64 // UInt8/UInt16/UInt32/UInt64
	Float float64
	Dec   decimal.Decimal
	Str   string // Utf8String and JSON payloads
	Bytes []byte // Binary payload
	Time  time.Time
	Zone  string // IANA zone name, DateTimeWithTZ only
	UUID  uuid.UUID
}

// Value constructors

func NullValue() DataValue             { return DataValue{Kind: KindNull} }
func BoolValue(v bool) DataValue       { return DataValue{Kind: KindBoolean, Bool: v} }
func Int8Value(v int8) DataValue       { return DataValue{Kind: KindInt8, Int: int64(v)} }
func UInt8Value(v uint8) DataValue     { return DataValue{Kind: KindUInt8, Uint: uint64(v)} }
func Int16Value(v int16) DataValue     { return DataValue{Kind: KindInt16, Int: int64(v)} }
func UInt16Value(v uint16) DataValue   { return DataValue{Kind: KindUInt16, Uint: uint64(v)} }
func Int32Value(v int32) DataValue     { return DataValue{Kind: KindInt32, Int: int64(v)} }
func UInt32Value(v uint32) DataValue   { return DataValue{Kind: KindUInt32, Uint: uint64(v)} }
func Int64Value(v int64) DataValue     { return DataValue{Kind: KindInt64, Int: v} }
func UInt64Value(v uint64) DataValue   { return DataValue{Kind: KindUInt64, Uint: v} }
func Float32Value(v float32) DataValue { return DataValue{Kind: KindFloat32, Float: float64(v)} }
func Float64Value(v float64) DataValue { return DataValue{Kind: KindFloat64, Float: v} }
func StringValue(v string) DataValue   { return DataValue{Kind: KindUtf8String, Str: v} }
func BinaryValue(v []byte) DataValue   { return DataValue{Kind: KindBinary, Bytes: v} }
func JSONValue(v string) DataValue     { return DataValue{Kind: KindJSON, Str: v} }
func UUIDValue(v uuid.UUID) DataValue  { return DataValue{Kind: KindUUID, UUID: v} }

func DecimalValue(v decimal.Decimal) DataValue {
	return DataValue{Kind: KindDecimal, Dec: v}
}

func DateValue(v time.Time) DataValue {
	return DataValue{Kind: KindDate, Time: v}
}

func TimeValue(v time.Time) DataValue {
	return DataValue{Kind: KindTime, Time: v}
}

func DateTimeValue(v time.Time) DataValue {
	return DataValue{Kind: KindDateTime, Time: v}
}

// DateTimeTZValue carries an explicit IANA zone name alongside the instant.
func DateTimeTZValue(v time.Time, zone string) DataValue {
	return DataValue{Kind: KindDateTimeWithTZ, Time: v, Zone: zone}
}

// Type returns the DataType of the value. String and decimal annotations are
// not recoverable from a value alone and are left unset.
func (v DataValue) Type() DataType {
	return DataType{Kind: v.Kind}
}

// IsNull reports whether the value is the null variant.
func (v DataValue) IsNull() bool {
	return v.Kind == KindNull
}

// Equal compares two values for semantic equality.
func (v DataValue) Equal(o DataValue) bool {
	if v.Kind != o.Kind {
		return false
	}

	switch v.Kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.Bool == o.Bool
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.Int == o.Int
	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		return v.Uint == o.Uint
	case KindFloat32, KindFloat64:
		return v.Float == o.Float
	case KindDecimal:
		return v.Dec.Equal(o.Dec)
	case KindUtf8String, KindJSON:
		return v.Str == o.Str
	case KindBinary:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindDate, KindTime, KindDateTime:
		return v.Time.Equal(o.Time)
	case KindDateTimeWithTZ:
		return v.Time.Equal(o.Time) && v.Zone == o.Zone
	case KindUUID:
		return v.UUID == o.UUID
	default:
		return false
	}
}

// TextForm renders the value in its canonical text form, used on the wire
// for variable-width kinds and by SQL compilers for literals.
func (v DataValue) TextForm() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindBoolean:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return fmt.Sprintf("%d", v.Int)
	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		return fmt.Sprintf("%d", v.Uint)
	case KindFloat32, KindFloat64:
		return fmt.Sprintf("%v", v.Float)
	case KindDecimal:
		return v.Dec.String()
	case KindUtf8String, KindJSON:
		return v.Str
	case KindDate:
		return v.Time.Format(DateLayout)
	case KindTime:
		return v.Time.Format(TimeLayout)
	case KindDateTime:
		return v.Time.Format(DateTimeLayout)
	case KindDateTimeWithTZ:
		return v.Time.Format(time.RFC3339Nano) + " " + v.Zone
	case KindUUID:
		return v.UUID.String()
	case KindBinary:
		return fmt.Sprintf("%x", v.Bytes)
	default:
		return ""
	}
}

// String implements fmt.Stringer for debugging.
func (v DataValue) String() string {
	if v.Kind == KindNull {
		return "null"
	}
	return fmt.Sprintf("%s(%s)", v.Kind, v.TextForm())
}

// GoValue converts the value to a plain Go value suitable for database/sql
// parameter binding. Null converts to nil.
func (v DataValue) GoValue() interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBoolean:
		return v.Bool
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.Int
	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		return v.Uint
	case KindFloat32, KindFloat64:
		return v.Float
	case KindDecimal:
		return v.Dec.String()
	case KindUtf8String, KindJSON:
		return v.Str
	case KindBinary:
		return v.Bytes
	case KindDate:
		return v.Time.Format(DateLayout)
	case KindTime:
		return v.Time.Format(TimeLayout)
	case KindDateTime:
		return v.Time.Format(DateTimeLayout)
	case KindDateTimeWithTZ:
		return v.Time
	case KindUUID:
		return v.UUID.String()
	default:
		return nil
	}
}

// MarshalJSON renders the value as its natural JSON representation.
func (v DataValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBoolean:
		return json.Marshal(v.Bool)
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return json.Marshal(v.Int)
	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		return json.Marshal(v.Uint)
	case KindFloat32, KindFloat64:
		return json.Marshal(v.Float)
	case KindJSON:
		return []byte(v.Str), nil
	default:
		return json.Marshal(v.TextForm())
	}
}
