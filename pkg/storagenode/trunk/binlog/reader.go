package binlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Reader replays binlog records sequentially from a byte offset.
//
// A line that does not parse is reported with ErrBadRecord together
// with its length, so the caller may skip it and continue; a trailing
// partial line (no newline yet, writer crashed mid-record) terminates
// the replay with io.EOF without consuming the partial bytes.
type Reader struct {
	f      *os.File
	br     *bufio.Reader
	offset int64
}

// OpenReader opens the binlog at path positioned at offset.
func OpenReader(path string, offset int64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trunk binlog %q: %w", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seek trunk binlog to %d: %w", offset, err)
		}
	}
	return &Reader{
		f:      f,
		br:     bufio.NewReaderSize(f, 64*1024),
		offset: offset,
	}, nil
}

// Offset returns the byte offset of the next unread record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Next returns the next record. On ErrBadRecord the malformed line has
// already been consumed and Offset advanced past it.
func (r *Reader) Next() (Record, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			// an unterminated tail is a partially written record,
			// leave it for the writer to complete or the operator
			// to inspect
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("read trunk binlog: %w", err)
	}

	r.offset += int64(len(line))

	rec, err := ParseRecord(strings.TrimSuffix(line, "\n"))
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
