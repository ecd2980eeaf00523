package data

import (
	"math"
	"math/big"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tessera-db/tessera/pkg/errors"
)

// TryCoerceInto converts the value into the target type where the conversion
// is well defined: widening integer conversions, numeric/string parsing and
// temporal reinterpretation. Coercion is idempotent and preserves null; any
// conversion outside the compatibility rules fails cleanly.
func (v DataValue) TryCoerceInto(target DataType) (DataValue, error) {
	// Null survives every coercion unchanged.
	if v.Kind == KindNull {
		return v, nil
	}

	// Identity, including annotation-only differences.
	if v.Kind == target.Kind {
		if target.Kind == KindUtf8String && target.Str.MaxLength > 0 &&
			uint32(utf8.RuneCountInString(v.Str)) > target.Str.MaxLength {
			return DataValue{}, coerceErr(v, target, "string exceeds maximum length")
		}
		return v, nil
	}

	switch {
	case v.Kind == KindBoolean:
		return v.coerceBool(target)
	case v.Type().IsInteger():
		return v.coerceInteger(target)
	case v.Kind == KindFloat32 || v.Kind == KindFloat64:
		return v.coerceFloat(target)
	case v.Kind == KindDecimal:
		return v.coerceDecimal(target)
	case v.Kind == KindUtf8String:
		return v.coerceString(target)
	case v.Kind == KindBinary:
		return v.coerceBinary(target)
	case v.Kind == KindDate || v.Kind == KindTime || v.Kind == KindDateTime || v.Kind == KindDateTimeWithTZ:
		return v.coerceTemporal(target)
	case v.Kind == KindUUID:
		if target.Kind == KindUtf8String {
			return StringValue(v.UUID.String()), nil
		}
	case v.Kind == KindJSON:
		if target.Kind == KindUtf8String {
			return StringValue(v.Str), nil
		}
	}

	return DataValue{}, coerceErr(v, target, "no conversion defined")
}

func (v DataValue) coerceBool(target DataType) (DataValue, error) {
	switch target.Kind {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		n := int64(0)
		if v.Bool {
			n = 1
		}
		return DataValue{Kind: target.Kind, Int: n}, nil
	case KindUtf8String:
		return StringValue(v.TextForm()), nil
	}
	return DataValue{}, coerceErr(v, target, "no conversion defined")
}

// signedRange returns the inclusive bounds of a signed integer kind.
func signedRange(k TypeKind) (int64, int64) {
	switch k {
	case KindInt8:
		return math.MinInt8, math.MaxInt8
	case KindInt16:
		return math.MinInt16, math.MaxInt16
	case KindInt32:
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func unsignedMax(k TypeKind) uint64 {
	switch k {
	case KindUInt8:
		return math.MaxUint8
	case KindUInt16:
		return math.MaxUint16
	case KindUInt32:
		return math.MaxUint32
	default:
		return math.MaxUint64
	}
}

func (v DataValue) coerceInteger(target DataType) (DataValue, error) {
	// Normalise to signed/unsigned raw value.
	var (
		signed   = v.Kind == KindInt8 || v.Kind == KindInt16 || v.Kind == KindInt32 || v.Kind == KindInt64
		sval     = v.Int
		uval     = v.Uint
		negative = signed && sval < 0
	)

	switch target.Kind {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		lo, hi := signedRange(target.Kind)
		if signed {
			if sval < lo || sval > hi {
				return DataValue{}, coerceErr(v, target, "value out of range")
			}
			return DataValue{Kind: target.Kind, Int: sval}, nil
		}
		if uval > uint64(hi) {
			return DataValue{}, coerceErr(v, target, "value out of range")
		}
		return DataValue{Kind: target.Kind, Int: int64(uval)}, nil

	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		if negative {
			return DataValue{}, coerceErr(v, target, "negative value cannot widen to unsigned")
		}
		raw := uval
		if signed {
			raw = uint64(sval)
		}
		if raw > unsignedMax(target.Kind) {
			return DataValue{}, coerceErr(v, target, "value out of range")
		}
		return DataValue{Kind: target.Kind, Uint: raw}, nil

	case KindFloat32, KindFloat64:
		f := float64(sval)
		if !signed {
			f = float64(uval)
		}
		return DataValue{Kind: target.Kind, Float: f}, nil

	case KindDecimal:
		if signed {
			return DecimalValue(decimal.NewFromInt(sval)), nil
		}
		return DecimalValue(decimal.NewFromBigInt(new(big.Int).SetUint64(uval), 0)), nil

	case KindUtf8String:
		return StringValue(v.TextForm()), nil
	}

	return DataValue{}, coerceErr(v, target, "no conversion defined")
}

func (v DataValue) coerceFloat(target DataType) (DataValue, error) {
	switch target.Kind {
	case KindFloat64:
		return Float64Value(v.Float), nil
	case KindFloat32:
		if math.Abs(v.Float) > math.MaxFloat32 {
			return DataValue{}, coerceErr(v, target, "value out of range")
		}
		return DataValue{Kind: KindFloat32, Float: v.Float}, nil
	case KindDecimal:
		return DecimalValue(decimal.NewFromFloat(v.Float)), nil
	case KindUtf8String:
		return StringValue(v.TextForm()), nil
	}
	return DataValue{}, coerceErr(v, target, "no conversion defined")
}

func (v DataValue) coerceDecimal(target DataType) (DataValue, error) {
	switch target.Kind {
	case KindFloat64:
		f, _ := v.Dec.Float64()
		return Float64Value(f), nil
	case KindInt64:
		if v.Dec.IsInteger() {
			return Int64Value(v.Dec.IntPart()), nil
		}
		return DataValue{}, coerceErr(v, target, "decimal has fractional digits")
	case KindUtf8String:
		return StringValue(v.Dec.String()), nil
	}
	return DataValue{}, coerceErr(v, target, "no conversion defined")
}

func (v DataValue) coerceString(target DataType) (DataValue, error) {
	s := v.Str

	switch target.Kind {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid integer")
		}
		return Int64Value(n).TryCoerceInto(target)

	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid unsigned integer")
		}
		return UInt64Value(n).TryCoerceInto(target)

	case KindFloat32, KindFloat64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid float")
		}
		return Float64Value(f).TryCoerceInto(target)

	case KindDecimal:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid decimal")
		}
		return DecimalValue(d), nil

	case KindBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid boolean")
		}
		return BoolValue(b), nil

	case KindDate:
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid date")
		}
		return DateValue(t), nil

	case KindTime:
		t, err := time.Parse(TimeLayout, s)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid time")
		}
		return TimeValue(t), nil

	case KindDateTime:
		t, err := time.Parse(DateTimeLayout, s)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid datetime")
		}
		return DateTimeValue(t), nil

	case KindUUID:
		u, err := uuid.Parse(s)
		if err != nil {
			return DataValue{}, coerceErr(v, target, "not a valid uuid")
		}
		return UUIDValue(u), nil

	case KindJSON:
		return JSONValue(s), nil

	case KindBinary:
		return BinaryValue([]byte(s)), nil
	}

	return DataValue{}, coerceErr(v, target, "no conversion defined")
}

func (v DataValue) coerceBinary(target DataType) (DataValue, error) {
	if target.Kind == KindUtf8String {
		if !utf8.Valid(v.Bytes) {
			return DataValue{}, coerceErr(v, target, "binary is not valid utf8")
		}
		return StringValue(string(v.Bytes)), nil
	}
	return DataValue{}, coerceErr(v, target, "no conversion defined")
}

func (v DataValue) coerceTemporal(target DataType) (DataValue, error) {
	switch {
	case v.Kind == KindDate && target.Kind == KindDateTime:
		return DateTimeValue(v.Time), nil
	case v.Kind == KindDateTime && target.Kind == KindDate:
		y, m, d := v.Time.Date()
		return DateValue(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)), nil
	case v.Kind == KindDateTime && target.Kind == KindTime:
		return TimeValue(v.Time), nil
	case v.Kind == KindDateTime && target.Kind == KindDateTimeWithTZ:
		return DateTimeTZValue(v.Time, "UTC"), nil
	case v.Kind == KindDateTimeWithTZ && target.Kind == KindDateTime:
		return DateTimeValue(v.Time.UTC()), nil
	case target.Kind == KindUtf8String:
		return StringValue(v.TextForm()), nil
	}
	return DataValue{}, coerceErr(v, target, "no conversion defined")
}

func coerceErr(v DataValue, target DataType, reason string) error {
	return errors.Newf(errors.ErrCodeCoercionFailed,
		"cannot coerce %s into %s: %s", v.Kind, target, reason).
		Err()
}
