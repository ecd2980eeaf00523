// Package data defines the typed data model shared by the gateway, the FDW
// IPC layer and the connectors.
//
// A DataValue is one of a closed set of tagged scalars; a DataType mirrors
// the value variants without payloads. Values are framed on the wire with a
// self-describing per-value encoding (see rw.go) that is identical for query
// parameters and result streams.
package data

import (
	"fmt"
)

// TypeKind discriminates the closed set of scalar types.
type TypeKind uint8

const (
	KindNull TypeKind = iota
	KindBoolean
	KindInt8
	KindUInt8
	KindInt16
	KindUInt16
	KindInt32
	KindUInt32
	KindInt64
	KindUInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindUtf8String
	KindBinary
	KindDate
	KindTime
	KindDateTime
	KindDateTimeWithTZ
	KindUUID
	KindJSON
)

func (k TypeKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindInt8:
		return "int8"
	case KindUInt8:
		return "uint8"
	case KindInt16:
		return "int16"
	case KindUInt16:
		return "uint16"
	case KindInt32:
		return "int32"
	case KindUInt32:
		return "uint32"
	case KindInt64:
		return "int64"
	case KindUInt64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindDecimal:
		return "decimal"
	case KindUtf8String:
		return "utf8string"
	case KindBinary:
		return "binary"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindDateTime:
		return "datetime"
	case KindDateTimeWithTZ:
		return "datetimetz"
	case KindUUID:
		return "uuid"
	case KindJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// StringOptions annotates utf8 string types.
type StringOptions struct {
	// MaxLength is the maximum length in characters, 0 meaning unbounded.
	MaxLength uint32
}

// DecimalOptions annotates decimal types.
type DecimalOptions struct {
	// Precision is the total number of significant digits, 0 meaning unspecified.
	Precision uint16
	// Scale is the number of fractional digits.
	Scale uint16
}

// DataType describes the type of a DataValue without carrying a payload.
type DataType struct {
	Kind TypeKind

	// Type annotations, meaningful only for the matching kind.
	Str StringOptions
	Dec DecimalOptions
}

// Convenience constructors for the common cases.

func Null() DataType           { return DataType{Kind: KindNull} }
func Boolean() DataType        { return DataType{Kind: KindBoolean} }
func Int8() DataType           { return DataType{Kind: KindInt8} }
func UInt8() DataType          { return DataType{Kind: KindUInt8} }
func Int16() DataType          { return DataType{Kind: KindInt16} }
func UInt16() DataType         { return DataType{Kind: KindUInt16} }
func Int32() DataType          { return DataType{Kind: KindInt32} }
func UInt32() DataType         { return DataType{Kind: KindUInt32} }
func Int64() DataType          { return DataType{Kind: KindInt64} }
func UInt64() DataType         { return DataType{Kind: KindUInt64} }
func Float32() DataType        { return DataType{Kind: KindFloat32} }
func Float64() DataType        { return DataType{Kind: KindFloat64} }
func Binary() DataType         { return DataType{Kind: KindBinary} }
func Date() DataType           { return DataType{Kind: KindDate} }
func Time() DataType           { return DataType{Kind: KindTime} }
func DateTime() DataType       { return DataType{Kind: KindDateTime} }
func DateTimeWithTZ() DataType { return DataType{Kind: KindDateTimeWithTZ} }
func UUID() DataType           { return DataType{Kind: KindUUID} }
func JSON() DataType           { return DataType{Kind: KindJSON} }

// Utf8String returns an unbounded string type.
func Utf8String() DataType {
	return DataType{Kind: KindUtf8String}
}

// Utf8StringMax returns a string type with a maximum length.
func Utf8StringMax(max uint32) DataType {
	return DataType{Kind: KindUtf8String, Str: StringOptions{MaxLength: max}}
}

// Decimal returns a decimal type with unspecified precision/scale.
func Decimal() DataType {
	return DataType{Kind: KindDecimal}
}

// DecimalOf returns a decimal type with precision and scale.
func DecimalOf(precision, scale uint16) DataType {
	return DataType{Kind: KindDecimal, Dec: DecimalOptions{Precision: precision, Scale: scale}}
}

// String renders the type including annotations.
func (t DataType) String() string {
	switch t.Kind {
	case KindUtf8String:
		if t.Str.MaxLength > 0 {
			return fmt.Sprintf("utf8string(%d)", t.Str.MaxLength)
		}
		return "utf8string"
	case KindDecimal:
		if t.Dec.Precision > 0 {
			return fmt.Sprintf("decimal(%d,%d)", t.Dec.Precision, t.Dec.Scale)
		}
		return "decimal"
	default:
		return t.Kind.String()
	}
}

// IsNumeric reports whether the type is an integer, float or decimal.
func (t DataType) IsNumeric() bool {
	switch t.Kind {
	case KindInt8, KindUInt8, KindInt16, KindUInt16, KindInt32, KindUInt32,
		KindInt64, KindUInt64, KindFloat32, KindFloat64, KindDecimal:
		return true
	}
	return false
}

// IsInteger reports whether the type is a fixed-width integer.
func (t DataType) IsInteger() bool {
	switch t.Kind {
	case KindInt8, KindUInt8, KindInt16, KindUInt16, KindInt32, KindUInt32,
		KindInt64, KindUInt64:
		return true
	}
	return false
}

// FixedWidth returns the on-wire byte width for fixed-width kinds, or 0 for
// variable-width kinds.
func (t DataType) FixedWidth() int {
	switch t.Kind {
	case KindBoolean, KindInt8, KindUInt8:
		return 1
	case KindInt16, KindUInt16:
		return 2
	case KindInt32, KindUInt32, KindFloat32:
		return 4
	case KindInt64, KindUInt64, KindFloat64:
		return 8
	default:
		return 0
	}
}
