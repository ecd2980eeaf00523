package avrofile

import (
	"time"

	"github.com/hamba/avro/v2"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
)

// attributesFromSchema maps an avro record schema to entity attributes,
// preserving field order. Unmappable field types fail the whole file: the
// searcher warns and skips it.
func attributesFromSchema(schema avro.Schema) ([]connector.EntityAttributeConfig, error) {
	record, ok := schema.(*avro.RecordSchema)
	if !ok {
		return nil, errors.New(errors.ErrCodePlanEntity,
			"avro file schema is not a record").Err()
	}

	var attrs []connector.EntityAttributeConfig
	for _, field := range record.Fields() {
		t, nullable, err := fieldType(field.Type())
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodePlanEntity,
				"field %q has an unmappable type", field.Name()).Err()
		}
		attrs = append(attrs, connector.EntityAttributeConfig{
			Name:     field.Name(),
			Type:     t,
			Nullable: nullable,
		})
	}
	return attrs, nil
}

// fieldType maps one avro field schema, unwrapping ["null", T] unions.
func fieldType(schema avro.Schema) (data.DataType, bool, error) {
	if union, ok := schema.(*avro.UnionSchema); ok {
		nullable := false
		var inner avro.Schema
		for _, s := range union.Types() {
			if s.Type() == avro.Null {
				nullable = true
				continue
			}
			if inner != nil {
				return data.DataType{}, false, errors.New(errors.ErrCodePlanUnsupported,
					"multi-type unions are not supported").Err()
			}
			inner = s
		}
		if inner == nil {
			return data.Null(), true, nil
		}
		t, _, err := fieldType(inner)
		return t, nullable, err
	}

	switch schema.Type() {
	case avro.Boolean:
		return data.Boolean(), false, nil
	case avro.Int:
		return data.Int32(), false, nil
	case avro.Long:
		return data.Int64(), false, nil
	case avro.Float:
		return data.Float32(), false, nil
	case avro.Double:
		return data.Float64(), false, nil
	case avro.String:
		return data.Utf8String(), false, nil
	case avro.Bytes:
		return data.Binary(), false, nil
	case avro.Null:
		return data.Null(), true, nil
	default:
		return data.DataType{}, false, errors.Newf(errors.ErrCodePlanUnsupported,
			"avro type %s is not supported", schema.Type()).Err()
	}
}

// toValue converts a decoded avro datum into the declared wire type.
func toValue(declared data.DataType, raw interface{}) (data.DataValue, error) {
	if raw == nil {
		return data.NullValue(), nil
	}

	var natural data.DataValue
	switch v := raw.(type) {
	case bool:
		natural = data.BoolValue(v)
	case int:
		natural = data.Int64Value(int64(v))
	case int32:
		natural = data.Int32Value(v)
	case int64:
		natural = data.Int64Value(v)
	case float32:
		natural = data.Float32Value(v)
	case float64:
		natural = data.Float64Value(v)
	case string:
		natural = data.StringValue(v)
	case []byte:
		natural = data.BinaryValue(append([]byte(nil), v...))
	case time.Time:
		natural = data.DateTimeValue(v)
	default:
		return data.DataValue{}, errors.Newf(errors.ErrCodeSourceError,
			"unsupported avro datum type %T", raw).Err()
	}

	return natural.TryCoerceInto(declared)
}

// fromValue converts a wire value into the avro datum for the field type.
func fromValue(t data.DataType, v data.DataValue) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}

	coerced, err := v.TryCoerceInto(t)
	if err != nil {
		return nil, err
	}

	switch t.Kind {
	case data.KindBoolean:
		return coerced.Bool, nil
	case data.KindInt32:
		return int32(coerced.Int), nil
	case data.KindInt64:
		return coerced.Int, nil
	case data.KindFloat32:
		return float32(coerced.Float), nil
	case data.KindFloat64:
		return coerced.Float, nil
	case data.KindUtf8String:
		return coerced.Str, nil
	case data.KindBinary:
		return coerced.Bytes, nil
	default:
		return coerced.TextForm(), nil
	}
}
