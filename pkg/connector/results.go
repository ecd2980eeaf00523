package connector

import (
	"io"

	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
)

// RowsResultSet serialises fully materialised rows into the framed value
// stream. Used by connectors whose sources hand back whole rows (catalog
// relations, file readers) and by tests.
type RowsResultSet struct {
	structure RowStructure
	rows      [][]data.DataValue

	buf    []byte
	row    int
	closed bool
}

// NewRowsResultSet creates a result set over materialised rows.
func NewRowsResultSet(structure RowStructure, rows [][]data.DataValue) *RowsResultSet {
	return &RowsResultSet{structure: structure, rows: rows}
}

// RowStructure returns the column layout.
func (r *RowsResultSet) RowStructure() RowStructure {
	return r.structure
}

// Read implements io.Reader over the framed encoding of the rows.
func (r *RowsResultSet) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New(errors.ErrCodeConnectionClosed, "result set closed").Err()
	}

	// Refill the buffer a row at a time.
	for len(r.buf) == 0 {
		if r.row >= len(r.rows) {
			return 0, io.EOF
		}

		row := r.rows[r.row]
		if len(row) != len(r.structure.Cols) {
			return 0, errors.Newf(errors.ErrCodeInternal,
				"row has %d values, structure has %d columns",
				len(row), len(r.structure.Cols)).Err()
		}

		var err error
		for i, v := range row {
			r.buf, err = data.EncodeValue(r.buf, r.structure.Cols[i].Type, v)
			if err != nil {
				return 0, err
			}
		}
		r.row++
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close releases the result set.
func (r *RowsResultSet) Close() error {
	r.closed = true
	return nil
}

var _ ResultSet = (*RowsResultSet)(nil)

// ResultReader decodes a framed result stream back into typed rows. This is
// the client-side counterpart of a ResultSet.
type ResultReader struct {
	src       io.Reader
	structure RowStructure
	sink      *data.DataSink
	pending   []data.DataValue
	eof       bool
}

// NewResultReader wraps a framed stream with its row structure.
func NewResultReader(src io.Reader, structure RowStructure) *ResultReader {
	return &ResultReader{
		src:       src,
		structure: structure,
		sink:      data.NewDataSink(structure.Types()),
	}
}

// ReadRow decodes the next row. Returns io.EOF once the stream is drained
// on a row boundary; a stream ending mid-row is a protocol error.
func (r *ResultReader) ReadRow() ([]data.DataValue, error) {
	if len(r.structure.Cols) == 0 {
		return nil, io.EOF
	}

	var chunk [4096]byte

	for {
		// Drain completed values from the sink first.
		for !r.sink.AllRead() {
			v, ok, err := r.sink.ReadDataValue()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			r.pending = append(r.pending, v)
		}

		if r.sink.AllRead() {
			row := r.pending
			r.pending = nil
			r.sink.Restart()
			return row, nil
		}

		if r.eof {
			if len(r.pending) > 0 || r.sink.BufLen() > 0 {
				return nil, errors.New(errors.ErrCodeProtocolError,
					"result stream ended mid-row").Err()
			}
			return nil, io.EOF
		}

		n, err := r.src.Read(chunk[:])
		if n > 0 {
			if _, werr := r.sink.Write(chunk[:n]); werr != nil {
				return nil, werr
			}
		}
		if err == io.EOF {
			r.eof = true
		} else if err != nil {
			return nil, err
		}
	}
}

// ReadAll drains the remaining rows.
func (r *ResultReader) ReadAll() ([][]data.DataValue, error) {
	var rows [][]data.DataValue
	for {
		row, err := r.ReadRow()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}
