package data

import (
	"strconv"
	"strings"

	"github.com/tessera-db/tessera/pkg/errors"
)

// ParseTypeName parses a configuration type name into a DataType. Names
// match DataType.String(): "int32", "utf8string(255)", "decimal(10,2)", ...
func ParseTypeName(name string) (DataType, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	base := name
	var args []string
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		if !strings.HasSuffix(name, ")") {
			return DataType{}, parseErr(name)
		}
		base = name[:idx]
		inner := name[idx+1 : len(name)-1]
		for _, a := range strings.Split(inner, ",") {
			args = append(args, strings.TrimSpace(a))
		}
	}

	simple := map[string]DataType{
		"null":       Null(),
		"boolean":    Boolean(),
		"bool":       Boolean(),
		"int8":       Int8(),
		"uint8":      UInt8(),
		"int16":      Int16(),
		"uint16":     UInt16(),
		"int32":      Int32(),
		"uint32":     UInt32(),
		"int64":      Int64(),
		"uint64":     UInt64(),
		"float32":    Float32(),
		"float64":    Float64(),
		"binary":     Binary(),
		"date":       Date(),
		"time":       Time(),
		"datetime":   DateTime(),
		"datetimetz": DateTimeWithTZ(),
		"uuid":       UUID(),
		"json":       JSON(),
	}

	switch base {
	case "utf8string", "string":
		if len(args) == 0 {
			return Utf8String(), nil
		}
		if len(args) != 1 {
			return DataType{}, parseErr(name)
		}
		max, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return DataType{}, parseErr(name)
		}
		return Utf8StringMax(uint32(max)), nil

	case "decimal":
		if len(args) == 0 {
			return Decimal(), nil
		}
		if len(args) != 2 {
			return DataType{}, parseErr(name)
		}
		prec, err1 := strconv.ParseUint(args[0], 10, 16)
		scale, err2 := strconv.ParseUint(args[1], 10, 16)
		if err1 != nil || err2 != nil {
			return DataType{}, parseErr(name)
		}
		return DecimalOf(uint16(prec), uint16(scale)), nil
	}

	if len(args) > 0 {
		return DataType{}, parseErr(name)
	}
	if t, ok := simple[base]; ok {
		return t, nil
	}
	return DataType{}, parseErr(name)
}

func parseErr(name string) error {
	return errors.Newf(errors.ErrCodeConfigParse,
		"unknown data type name: %s", name).Err()
}
