package sqldb

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
)

// queryHandle is the prepared-query handle over one compiled SQL statement.
type queryHandle struct {
	conn   *Connection
	native connector.NativeQuery
	sink   *data.QueryParamSink
	closed bool
}

func newQueryHandle(conn *Connection, native connector.NativeQuery) *queryHandle {
	return &queryHandle{
		conn:   conn,
		native: native,
		sink:   data.NewQueryParamSink(native.Params),
	}
}

// InputStructure implements connector.QueryHandle.
func (h *queryHandle) InputStructure() data.QueryInputStructure {
	return h.sink.InputStructure()
}

// Write implements connector.QueryHandle.
func (h *queryHandle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, errors.New(errors.ErrCodeConnectionClosed, "query handle closed").Err()
	}
	return h.sink.Write(p)
}

// Restart implements connector.QueryHandle.
func (h *queryHandle) Restart() error {
	if h.closed {
		return errors.New(errors.ErrCodeConnectionClosed, "query handle closed").Err()
	}
	h.sink.Clear()
	return nil
}

// args resolves the full bind argument list.
func (h *queryHandle) args() ([]interface{}, error) {
	values, err := h.sink.GetAll()
	if err != nil {
		return nil, err
	}

	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v.GoValue()
	}
	return args, nil
}

// ExecuteQuery implements connector.QueryHandle.
func (h *queryHandle) ExecuteQuery(ctx context.Context) (connector.ResultSet, error) {
	args, err := h.args()
	if err != nil {
		return nil, err
	}

	desc, ok := h.native.Descriptor.(compiledQuery)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal,
			"native query missing result structure").Err()
	}

	rows, err := h.conn.queryContext(ctx, h.native.Query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"query failed on source").
			WithField("sql", h.native.Query).
			Err()
	}

	return &sqlResultSet{rows: rows, structure: desc.structure}, nil
}

// ExecuteModify implements connector.QueryHandle.
func (h *queryHandle) ExecuteModify(ctx context.Context) (*uint64, error) {
	args, err := h.args()
	if err != nil {
		return nil, err
	}

	res, err := h.conn.execContext(ctx, h.native.Query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"statement failed on source").
			WithField("sql", h.native.Query).
			Err()
	}

	affected, err := res.RowsAffected()
	if err != nil {
		// The source cannot report a count; that is not an error.
		return nil, nil
	}

	count := uint64(affected)
	return &count, nil
}

// Logged implements connector.QueryHandle.
func (h *queryHandle) Logged() (string, []data.DataValue, error) {
	values, err := h.sink.GetAll()
	if err != nil {
		// Params not yet complete; log the text alone.
		return h.native.Query, nil, nil
	}
	return h.native.Query, values, nil
}

// Close implements connector.QueryHandle.
func (h *queryHandle) Close() error {
	h.closed = true
	return nil
}

var _ connector.QueryHandle = (*queryHandle)(nil)

// sqlResultSet adapts *sql.Rows to the framed result stream.
type sqlResultSet struct {
	rows      *sql.Rows
	structure connector.RowStructure

	buf    []byte
	done   bool
	closed bool
}

// RowStructure implements connector.ResultSet.
func (r *sqlResultSet) RowStructure() connector.RowStructure {
	return r.structure
}

// Read implements connector.ResultSet, encoding one source row at a time
// into the framed stream.
func (r *sqlResultSet) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New(errors.ErrCodeConnectionClosed, "result set closed").Err()
	}

	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}

		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return 0, errors.Wrap(err, errors.ErrCodeSourceError,
					"failed reading rows from source").Err()
			}
			return 0, io.EOF
		}

		raw := make([]interface{}, len(r.structure.Cols))
		ptrs := make([]interface{}, len(raw))
		for i := range raw {
			ptrs[i] = &raw[i]
		}

		if err := r.rows.Scan(ptrs...); err != nil {
			return 0, errors.Wrap(err, errors.ErrCodeSourceError,
				"failed scanning row from source").Err()
		}

		for i, col := range r.structure.Cols {
			v, err := scanValue(col.Type, raw[i])
			if err != nil {
				return 0, err
			}
			r.buf, err = data.EncodeValue(r.buf, col.Type, v)
			if err != nil {
				return 0, err
			}
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close implements connector.ResultSet.
func (r *sqlResultSet) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.rows.Close()
}

var _ connector.ResultSet = (*sqlResultSet)(nil)

// scanValue converts a database/sql scan result into the declared wire
// type via the standard coercion rules.
func scanValue(declared data.DataType, raw interface{}) (data.DataValue, error) {
	if raw == nil {
		return data.NullValue(), nil
	}

	var natural data.DataValue
	switch v := raw.(type) {
	case int64:
		natural = data.Int64Value(v)
	case float64:
		natural = data.Float64Value(v)
	case bool:
		natural = data.BoolValue(v)
	case string:
		natural = data.StringValue(v)
	case []byte:
		if declared.Kind == data.KindBinary {
			natural = data.BinaryValue(append([]byte(nil), v...))
		} else {
			natural = data.StringValue(string(v))
		}
	case time.Time:
		natural = data.DateTimeValue(v)
	default:
		return data.DataValue{}, errors.Newf(errors.ErrCodeSourceError,
			"unsupported scan type %T from source", raw).Err()
	}

	return natural.TryCoerceInto(declared)
}
