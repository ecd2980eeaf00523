package avrofile

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/sqlil"
)

// avroHandle is the prepared handle for one file operation.
type avroHandle struct {
	conn *avroConnection
	desc avroQuery
	sink *data.QueryParamSink
}

func newAvroHandle(conn *avroConnection, desc avroQuery, params []data.QueryParam) *avroHandle {
	return &avroHandle{
		conn: conn,
		desc: desc,
		sink: data.NewQueryParamSink(params),
	}
}

func (h *avroHandle) InputStructure() data.QueryInputStructure {
	return h.sink.InputStructure()
}

func (h *avroHandle) Write(p []byte) (int, error) {
	return h.sink.Write(p)
}

func (h *avroHandle) Restart() error {
	h.sink.Clear()
	return nil
}

func (h *avroHandle) entity() (*connector.EntityConfig, error) {
	entity, ok := h.conn.entities.Get(h.desc.entityID)
	if !ok {
		return nil, errors.Newf(errors.ErrCodePlanEntity,
			"unknown avro entity %q", h.desc.entityID).Err()
	}
	return entity, nil
}

// ExecuteQuery streams the file's rows top to bottom, projecting the
// requested fields.
func (h *avroHandle) ExecuteQuery(ctx context.Context) (connector.ResultSet, error) {
	if h.desc.queryType != sqlil.QueryTypeSelect {
		return nil, errors.New(errors.ErrCodeExecState,
			"not a select query").Err()
	}

	entity, err := h.entity()
	if err != nil {
		return nil, err
	}
	path, err := h.conn.entityPath(entity)
	if err != nil {
		return nil, err
	}

	// Resolve the projection against the entity attributes.
	var structure connector.RowStructure
	fields := make([]string, 0, len(h.desc.cols))
	for _, col := range h.desc.cols {
		attr, ok := col.Expr.(sqlil.Attribute)
		if !ok {
			return nil, errors.New(errors.ErrCodeInternal,
				"avro connector compiled a non-attribute projection").Err()
		}
		a, ok := entity.Attribute(attr.AttributeID)
		if !ok {
			return nil, errors.Newf(errors.ErrCodePlanEntity,
				"unknown field %q on %q", attr.AttributeID, entity.ID).Err()
		}
		structure.Cols = append(structure.Cols, connector.RowColumn{Name: col.Alias, Type: a.Type})
		fields = append(fields, attr.AttributeID)
	}

	if fileEmpty(path) {
		return connector.NewRowsResultSet(structure, nil), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to open avro file").WithField("path", path).Err()
	}

	dec, err := ocf.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to decode avro file").WithField("path", path).Err()
	}

	return &avroResultSet{
		file:      f,
		dec:       dec,
		structure: structure,
		fields:    fields,
	}, nil
}

// ExecuteModify appends the streamed rows to the file.
func (h *avroHandle) ExecuteModify(ctx context.Context) (*uint64, error) {
	if h.desc.queryType != sqlil.QueryTypeInsert && h.desc.queryType != sqlil.QueryTypeBulkInsert {
		return nil, errors.New(errors.ErrCodeExecState,
			"not an insert query").Err()
	}

	entity, err := h.entity()
	if err != nil {
		return nil, err
	}
	path, err := h.conn.entityPath(entity)
	if err != nil {
		return nil, err
	}

	values, err := h.sink.GetAll()
	if err != nil {
		return nil, err
	}

	cols := h.desc.insertCols
	if len(cols) == 0 || len(values)%len(cols) != 0 {
		return nil, errors.New(errors.ErrCodeExecFailed,
			"insert values are not a multiple of the column count").Err()
	}

	// Build one datum map per row.
	var rows []map[string]interface{}
	for i := 0; i < len(values); i += len(cols) {
		row := make(map[string]interface{}, len(cols))
		for j, col := range cols {
			a, ok := entity.Attribute(col)
			if !ok {
				return nil, errors.Newf(errors.ErrCodePlanEntity,
					"unknown field %q on %q", col, entity.ID).Err()
			}
			datum, err := fromValue(a.Type, values[i+j])
			if err != nil {
				return nil, err
			}
			row[col] = datum
		}
		rows = append(rows, row)
	}

	lock := lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := appendRows(path, entity, rows); err != nil {
		return nil, err
	}

	count := uint64(len(rows))
	return &count, nil
}

func (h *avroHandle) Logged() (string, []data.DataValue, error) {
	values, err := h.sink.GetAll()
	if err != nil {
		return "avro:" + h.desc.entityID, nil, nil
	}
	return "avro:" + h.desc.entityID, values, nil
}

func (h *avroHandle) Close() error {
	return nil
}

// appendRows rewrites the container with the existing rows plus the new
// ones. A non-empty file keeps its schema and synchronisation marker; an
// empty file gets a fresh container derived from the entity attributes.
func appendRows(path string, entity *connector.EntityConfig, rows []map[string]interface{}) error {
	var (
		schemaJSON string
		existing   []map[string]interface{}
		opts       []ocf.EncoderFunc
	)

	if !fileEmpty(path) {
		hdr, err := readFileHeader(path)
		if err != nil {
			return err
		}
		schemaJSON = hdr.Schema
		opts = append(opts, ocf.WithSyncBlock(hdr.Sync))

		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeSourceError,
				"failed to open avro file").WithField("path", path).Err()
		}
		dec, err := ocf.NewDecoder(f)
		if err != nil {
			f.Close()
			return errors.Wrap(err, errors.ErrCodeSourceError,
				"failed to decode avro file").WithField("path", path).Err()
		}
		for dec.HasNext() {
			var row map[string]interface{}
			if err := dec.Decode(&row); err != nil {
				f.Close()
				return errors.Wrap(err, errors.ErrCodeSourceError,
					"failed to read avro row").WithField("path", path).Err()
			}
			existing = append(existing, row)
		}
		f.Close()
		if err := dec.Error(); err != nil {
			return errors.Wrap(err, errors.ErrCodeSourceError,
				"failed to read avro file").WithField("path", path).Err()
		}
	} else {
		schemaJSON = schemaForEntity(entity)
	}

	if _, err := avro.Parse(schemaJSON); err != nil {
		return errors.Wrap(err, errors.ErrCodeSourceError,
			"invalid avro schema").WithField("path", path).Err()
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to create avro file").WithField("path", tmp).Err()
	}

	enc, err := ocf.NewEncoder(schemaJSON, f, opts...)
	if err != nil {
		f.Close()
		return errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to create avro encoder").Err()
	}

	for _, row := range append(existing, rows...) {
		if err := enc.Encode(row); err != nil {
			f.Close()
			return errors.Wrap(err, errors.ErrCodeSourceError,
				"failed to write avro row").Err()
		}
	}

	if err := enc.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to flush avro file").Err()
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to close avro file").Err()
	}

	return os.Rename(tmp, path)
}

// schemaForEntity derives a record schema for a fresh file.
func schemaForEntity(entity *connector.EntityConfig) string {
	record := map[string]interface{}{
		"type": "record",
		"name": entity.ID,
	}

	var fields []map[string]interface{}
	for _, a := range entity.Attributes {
		var t interface{}
		switch a.Type.Kind {
		case data.KindBoolean:
			t = "boolean"
		case data.KindInt8, data.KindUInt8, data.KindInt16, data.KindUInt16, data.KindInt32:
			t = "int"
		case data.KindInt64, data.KindUInt32, data.KindUInt64:
			t = "long"
		case data.KindFloat32:
			t = "float"
		case data.KindFloat64:
			t = "double"
		case data.KindBinary:
			t = "bytes"
		default:
			t = "string"
		}
		if a.Nullable {
			t = []interface{}{"null", t}
		}
		fields = append(fields, map[string]interface{}{"name": a.Name, "type": t})
	}
	record["fields"] = fields

	out, _ := json.Marshal(record)
	return string(out)
}

// avroResultSet streams decoded rows into the framed encoding.
type avroResultSet struct {
	file      *os.File
	dec       *ocf.Decoder
	structure connector.RowStructure
	fields    []string

	buf    []byte
	done   bool
	closed bool
}

func (r *avroResultSet) RowStructure() connector.RowStructure {
	return r.structure
}

func (r *avroResultSet) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New(errors.ErrCodeConnectionClosed, "result set closed").Err()
	}

	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}

		if !r.dec.HasNext() {
			r.done = true
			if err := r.dec.Error(); err != nil {
				return 0, errors.Wrap(err, errors.ErrCodeSourceError,
					"failed to read avro file").Err()
			}
			return 0, io.EOF
		}

		var row map[string]interface{}
		if err := r.dec.Decode(&row); err != nil {
			return 0, errors.Wrap(err, errors.ErrCodeSourceError,
				"failed to decode avro row").Err()
		}

		for i, field := range r.fields {
			v, err := toValue(r.structure.Cols[i].Type, row[field])
			if err != nil {
				return 0, err
			}
			r.buf, err = data.EncodeValue(r.buf, r.structure.Cols[i].Type, v)
			if err != nil {
				return 0, err
			}
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *avroResultSet) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

var (
	_ connector.QueryHandle = (*avroHandle)(nil)
	_ connector.ResultSet   = (*avroResultSet)(nil)
)
