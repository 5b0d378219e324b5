// Package binlog implements the append-only trunk space event log.
//
// Every allocation-affecting operation is recorded as one text line:
//
//	timestamp op store_path_index sub_path_high sub_path_low file_id offset size
//
// where op is 'A' (space added to the free index) or 'D' (space removed
// from it). Records are immutable once written; the free-space index is
// reconstructed after a crash by replaying the log from the last
// checkpointed offset.
package binlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
)

// Op is a binlog record type.
type Op byte

const (
	// OpAddSpace records space entering the free index.
	OpAddSpace Op = 'A'
	// OpDelSpace records space leaving the free index.
	OpDelSpace Op = 'D'
)

func (op Op) String() string {
	return string(rune(op))
}

// Record is one immutable binlog entry.
type Record struct {
	Timestamp int64
	Op        Op
	Info      trunk.FullInfo
}

// ErrBadRecord is returned by the reader for a line that cannot be
// parsed. The reported length still covers the line so the caller can
// skip it.
var ErrBadRecord = errors.New("malformed trunk binlog record")

const recordFieldCount = 8

// FormatRecord renders a record as its binlog line, including the
// trailing newline.
func FormatRecord(r Record) string {
	return fmt.Sprintf("%d %c %d %d %d %d %d %d\n",
		r.Timestamp, byte(r.Op),
		r.Info.Path.StorePathIndex,
		r.Info.Path.SubPathHigh,
		r.Info.Path.SubPathLow,
		r.Info.FileID,
		r.Info.Offset,
		r.Info.Size)
}

// ParseRecord parses one binlog line (without the trailing newline).
func ParseRecord(line string) (Record, error) {
	cols := strings.Fields(line)
	if len(cols) != recordFieldCount {
		return Record{}, fmt.Errorf("%w: %d fields, want %d", ErrBadRecord, len(cols), recordFieldCount)
	}

	ts, err := strconv.ParseInt(cols[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp: %v", ErrBadRecord, err)
	}

	if len(cols[1]) != 1 {
		return Record{}, fmt.Errorf("%w: op %q", ErrBadRecord, cols[1])
	}
	op := Op(cols[1][0])
	if op != OpAddSpace && op != OpDelSpace {
		return Record{}, fmt.Errorf("%w: unknown op %q", ErrBadRecord, cols[1])
	}

	info, err := ParseInfoColumns(cols[2:])
	if err != nil {
		return Record{}, err
	}

	return Record{Timestamp: ts, Op: op, Info: info}, nil
}

// ParseInfoColumns parses the six trailing record columns: store path
// index, sub path pair, file id, offset and size. Checkpoints written
// by older nodes consist of exactly these columns per line.
func ParseInfoColumns(cols []string) (trunk.FullInfo, error) {
	var info trunk.FullInfo

	if len(cols) != recordFieldCount-2 {
		return info, fmt.Errorf("%w: %d info columns, want %d", ErrBadRecord, len(cols), recordFieldCount-2)
	}

	vals := make([]int64, len(cols))
	for i, c := range cols {
		v, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			return info, fmt.Errorf("%w: column %q: %v", ErrBadRecord, c, err)
		}
		vals[i] = v
	}

	info.Path.StorePathIndex = uint8(vals[0])
	info.Path.SubPathHigh = uint8(vals[1])
	info.Path.SubPathLow = uint8(vals[2])
	info.FileID = uint32(vals[3])
	info.Offset = vals[4]
	info.Size = vals[5]

	return info, nil
}
