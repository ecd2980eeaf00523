// Package avrofile implements the columnar file connector: one relation per
// Avro object-container file. Reads stream rows top to bottom; writes
// append rows, preserving the file's synchronisation marker when the file
// is non-empty.
package avrofile

import (
	"io"
	"os"

	"github.com/tessera-db/tessera/pkg/errors"
)

var ocfMagic = []byte{'O', 'b', 'j', 1}

// fileHeader is the parsed object-container-file header.
type fileHeader struct {
	// Schema is the JSON schema from the avro.schema metadata entry.
	Schema string
	// Sync is the 16-byte block synchronisation marker.
	Sync [16]byte
}

// readHeader scans the OCF header: magic, metadata map, sync marker.
func readHeader(r io.Reader) (fileHeader, error) {
	var hdr fileHeader

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return hdr, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to read avro file magic").Err()
	}
	for i, b := range ocfMagic {
		if magic[i] != b {
			return hdr, errors.New(errors.ErrCodeSourceError,
				"not an avro object container file").Err()
		}
	}

	// Metadata is an avro map<bytes>: blocks of (count, pairs...) ending
	// with a zero count. A negative count is followed by a byte size.
	for {
		count, err := readLong(r)
		if err != nil {
			return hdr, err
		}
		if count == 0 {
			break
		}
		if count < 0 {
			count = -count
			if _, err := readLong(r); err != nil {
				return hdr, err
			}
		}

		for i := int64(0); i < count; i++ {
			key, err := readBytes(r)
			if err != nil {
				return hdr, err
			}
			val, err := readBytes(r)
			if err != nil {
				return hdr, err
			}
			if string(key) == "avro.schema" {
				hdr.Schema = string(val)
			}
		}
	}

	if _, err := io.ReadFull(r, hdr.Sync[:]); err != nil {
		return hdr, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to read avro sync marker").Err()
	}

	return hdr, nil
}

// readFileHeader opens the file and scans its header.
func readFileHeader(path string) (fileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileHeader{}, errors.Wrap(err, errors.ErrCodeSourceError,
			"failed to open avro file").WithField("path", path).Err()
	}
	defer f.Close()

	return readHeader(f)
}

// readLong reads a zigzag-varint encoded long.
func readLong(r io.Reader) (int64, error) {
	var (
		raw   uint64
		shift uint
		buf   [1]byte
	)

	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, errors.Wrap(err, errors.ErrCodeSourceError,
				"truncated avro varint").Err()
		}
		raw |= uint64(buf[0]&0x7f) << shift
		if buf[0]&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, errors.New(errors.ErrCodeSourceError,
				"malformed avro varint").Err()
		}
	}

	// Zigzag decode.
	return int64(raw>>1) ^ -int64(raw&1), nil
}

// readBytes reads a length-prefixed avro byte string.
func readBytes(r io.Reader) ([]byte, error) {
	n, err := readLong(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > 1<<24 {
		return nil, errors.Newf(errors.ErrCodeSourceError,
			"implausible avro byte length %d", n).Err()
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceError,
			"truncated avro bytes").Err()
	}
	return b, nil
}

// fileEmpty reports whether the file is missing or zero length.
func fileEmpty(path string) bool {
	info, err := os.Stat(path)
	return err != nil || info.Size() == 0
}
