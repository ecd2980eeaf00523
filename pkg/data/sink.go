package data

import (
	"io"

	"github.com/tessera-db/tessera/pkg/errors"
)

// DataSink incrementally decodes a framed value stream against a declared
// sequence of types. Bytes arrive in arbitrary splits via Write; completed
// values are pulled with ReadDataValue.
type DataSink struct {
	types []DataType
	buf   []byte
	next  int
}

// NewDataSink creates a sink expecting one value per declared type, in order.
func NewDataSink(types []DataType) *DataSink {
	return &DataSink{types: types}
}

// Write appends raw stream bytes to the sink.
func (s *DataSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// ReadDataValue decodes the next complete value, if one is available.
// Returns (value, true) when a value was decoded, (zero, false) when more
// bytes are needed or the declared sequence is exhausted.
func (s *DataSink) ReadDataValue() (DataValue, bool, error) {
	if s.next >= len(s.types) {
		return DataValue{}, false, nil
	}
	if len(s.buf) == 0 {
		return DataValue{}, false, nil
	}

	declared := s.types[s.next]

	// Null marker consumes a single byte.
	if s.buf[0] == 0x00 {
		s.buf = s.buf[1:]
		s.next++
		return NullValue(), true, nil
	}
	if s.buf[0] != 0x01 {
		return DataValue{}, false, errors.Newf(errors.ErrCodeProtocolError,
			"invalid null marker byte 0x%02x on value stream", s.buf[0]).Err()
	}

	v, n, ok, err := decodeBody(declared, s.buf[1:])
	if err != nil {
		return DataValue{}, false, err
	}
	if !ok {
		return DataValue{}, false, nil
	}

	s.buf = s.buf[1+n:]
	s.next++
	return v, true, nil
}

// AllRead reports whether every declared value has been decoded.
func (s *DataSink) AllRead() bool {
	return s.next >= len(s.types)
}

// BufLen returns the count of unconsumed buffered bytes.
func (s *DataSink) BufLen() int {
	return len(s.buf)
}

// Clear discards buffered bytes and restarts the declared sequence.
func (s *DataSink) Clear() {
	s.buf = nil
	s.next = 0
}

// Restart rewinds the declared sequence without discarding buffered bytes.
// Used by result readers that decode the same row structure repeatedly.
func (s *DataSink) Restart() {
	s.next = 0
}

// QueryInputStructure is the frozen, ordered list of dynamic parameters a
// prepared query expects: (parameter id, declared type) pairs.
type QueryInputStructure struct {
	Params []QueryInputParam
}

// QueryInputParam is one dynamic parameter slot.
type QueryInputParam struct {
	ID   uint32
	Type DataType
}

// NewQueryInputStructure builds an input structure from id/type pairs.
func NewQueryInputStructure(params ...QueryInputParam) QueryInputStructure {
	return QueryInputStructure{Params: params}
}

// Types returns the declared types in parameter order.
func (s QueryInputStructure) Types() []DataType {
	types := make([]DataType, len(s.Params))
	for i, p := range s.Params {
		types[i] = p.Type
	}
	return types
}

// QueryParam is a parameter of a compiled query: either a dynamic slot
// identified by a stable id, or a constant captured at compile time.
type QueryParam struct {
	// Dynamic parameter; valid when Constant is nil.
	ID   uint32
	Type DataType

	// Constant parameter; nil for dynamic parameters.
	Constant *DataValue
}

// DynamicParam creates a dynamic query parameter.
func DynamicParam(id uint32, t DataType) QueryParam {
	return QueryParam{ID: id, Type: t}
}

// ConstantParam creates a constant query parameter.
func ConstantParam(v DataValue) QueryParam {
	return QueryParam{Constant: &v}
}

// IsDynamic reports whether the parameter is a dynamic slot.
func (p QueryParam) IsDynamic() bool {
	return p.Constant == nil
}

// QueryParamSink captures streamed query input. It accepts bytes as they
// arrive and yields completed values; writing past the declared input
// cardinality fails.
type QueryParamSink struct {
	params []QueryParam
	input  QueryInputStructure
	sink   *DataSink
	values []DataValue
}

// NewQueryParamSink creates a sink for the given compiled parameter list.
// The input structure contains only the dynamic parameters, preserving
// their declared order and stable ids.
func NewQueryParamSink(params []QueryParam) *QueryParamSink {
	var input QueryInputStructure
	for _, p := range params {
		if p.IsDynamic() {
			input.Params = append(input.Params, QueryInputParam{ID: p.ID, Type: p.Type})
		}
	}

	return &QueryParamSink{
		params: params,
		input:  input,
		sink:   NewDataSink(input.Types()),
	}
}

// InputStructure returns the expected query input structure.
func (s *QueryParamSink) InputStructure() QueryInputStructure {
	return s.input
}

// Params returns the full compiled parameter list.
func (s *QueryParamSink) Params() []QueryParam {
	return s.params
}

// AllWritten reports whether every dynamic parameter has been received.
func (s *QueryParamSink) AllWritten() bool {
	return len(s.values) == len(s.input.Params)
}

// Write implements io.Writer over the parameter stream.
func (s *QueryParamSink) Write(p []byte) (int, error) {
	if s.AllWritten() && len(p) > 0 {
		return 0, errors.ExcessInput().Err()
	}

	n, err := s.sink.Write(p)
	if err != nil {
		return n, err
	}

	for !s.AllWritten() {
		v, ok, err := s.sink.ReadDataValue()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		s.values = append(s.values, v)
	}

	if s.AllWritten() && s.sink.BufLen() > 0 {
		return n, errors.ExcessInput().Err()
	}

	return n, nil
}

// GetAll returns the full parameter values, constants interleaved with the
// streamed dynamic values in declared order. Fails until all dynamic
// parameters have been written.
func (s *QueryParamSink) GetAll() ([]DataValue, error) {
	if !s.AllWritten() {
		return nil, errors.QueryNotReady(len(s.values), len(s.input.Params)).Err()
	}

	res := make([]DataValue, 0, len(s.params))
	dyn := 0
	for _, p := range s.params {
		if p.IsDynamic() {
			res = append(res, s.values[dyn])
			dyn++
		} else {
			res = append(res, *p.Constant)
		}
	}

	return res, nil
}

// Clear resets the sink, discarding all received input.
func (s *QueryParamSink) Clear() {
	s.values = nil
	s.sink.Clear()
}

var _ io.Writer = (*QueryParamSink)(nil)
